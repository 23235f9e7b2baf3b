package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/pkg/types"
)

// fileRanking reads the ranking from a YAML file on every call, so an
// external job can rewrite the file between refreshes:
//
//	today:
//	  - {id: m1, count: 50}
//	all-time:
//	  - {id: m2, count: 900}
type fileRanking struct {
	path string
}

func (f fileRanking) TopEntities(ctx context.Context, horizon types.Horizon, limit int) ([]types.RankedEntity, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading ranking file: %w", err)
	}

	var ranking types.StaticRanking
	if err := yaml.Unmarshal(data, &ranking); err != nil {
		return nil, fmt.Errorf("parsing ranking file: %w", err)
	}
	return ranking.TopEntities(ctx, horizon, limit)
}
