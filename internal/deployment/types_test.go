package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to deploying", StatusPending, StatusDeploying, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to stopped", StatusPending, StatusStopped, true},
		{"pending to running direct", StatusPending, StatusRunning, false},
		{"deploying to running", StatusDeploying, StatusRunning, true},
		{"deploying to failed", StatusDeploying, StatusFailed, true},
		{"deploying to pending", StatusDeploying, StatusPending, false},
		{"running to stopped", StatusRunning, StatusStopped, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to deploying", StatusRunning, StatusDeploying, false},
		{"failed is terminal", StatusFailed, StatusRunning, false},
		{"stopped is terminal", StatusStopped, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusFailed))
	assert.True(t, IsTerminal(StatusStopped))
	assert.False(t, IsTerminal(StatusPending))
	assert.False(t, IsTerminal(StatusDeploying))
	assert.False(t, IsTerminal(StatusRunning))
}

func TestListFilterNormalize(t *testing.T) {
	f := ListFilter{}
	f.normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 20, f.PerPage)

	f = ListFilter{Page: -1, PerPage: 500}
	f.normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 100, f.PerPage)

	f = ListFilter{Page: 3, PerPage: 40}
	f.normalize()
	assert.Equal(t, 3, f.Page)
	assert.Equal(t, 40, f.PerPage)
}
