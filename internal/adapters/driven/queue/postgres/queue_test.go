package postgres

import (
	"strings"
	"testing"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

func TestListQuery(t *testing.T) {
	tests := []struct {
		name     string
		filter   driven.TaskFilter
		contains []string
		args     int
	}{
		{
			name:     "no filter",
			filter:   driven.TaskFilter{},
			contains: []string{"FROM tasks", "ORDER BY created_at DESC"},
		},
		{
			name:     "pending collects",
			filter:   driven.TaskFilter{Status: domain.TaskStatusPending, Type: domain.TaskTypeCollect},
			contains: []string{"WHERE status = $1 AND type = $2"},
			args:     2,
		},
		{
			name:     "paginated",
			filter:   driven.TaskFilter{Limit: 20, Offset: 40},
			contains: []string{"LIMIT 20", "OFFSET 40"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := listQuery(tt.filter)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, want := range tt.contains {
				if !strings.Contains(query, want) {
					t.Errorf("query %q missing %q", query, want)
				}
			}
			if len(args) != tt.args {
				t.Errorf("expected %d args, got %d", tt.args, len(args))
			}
		})
	}
}
