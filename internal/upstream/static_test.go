package upstream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProviders_MissingDirYieldsEmptyProviders(t *testing.T) {
	p, err := NewStaticProviders(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)

	settings, err := p.Settings(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "", settings.Name)
}

func TestStaticProviders_ResolvesCurrentPeriod(t *testing.T) {
	dir := t.TempDir()
	fixture := `{
		"settings": {"name": "Demo School"},
		"periods": [
			{"index": 1, "class": "5A", "subject": "Math", "teacher": "Ms. Ada", "from": "08:00", "to": "08:45"},
			{"index": 2, "class": "5A", "subject": "Science", "teacher": "Mr. Al", "from": "08:45", "to": "09:30"}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.json"), []byte(fixture), 0o600))

	p, err := NewStaticProviders(dir)
	require.NoError(t, err)

	at := time.Date(2026, 7, 31, 8, 10, 0, 0, time.UTC)
	state, current, next, err := p.CurrentAndNext(context.Background(), 1, at)
	require.NoError(t, err)
	assert.Equal(t, "period", string(state.Type))
	require.NotNil(t, current)
	assert.Equal(t, "Math", current.Subject)
	require.NotNil(t, next)
	assert.Equal(t, "Science", next.Subject)
	assert.Equal(t, 35*60, state.RemainingSeconds)

	settings, err := p.Settings(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Demo School", settings.Name)
}

func TestStaticProviders_BeforeFirstPeriod(t *testing.T) {
	dir := t.TempDir()
	fixture := `{"periods": [{"index": 1, "class": "5A", "subject": "Math", "from": "08:00", "to": "08:45"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.json"), []byte(fixture), 0o600))

	p, err := NewStaticProviders(dir)
	require.NoError(t, err)

	at := time.Date(2026, 7, 31, 7, 50, 0, 0, time.UTC)
	state, current, next, err := p.CurrentAndNext(context.Background(), 2, at)
	require.NoError(t, err)
	assert.Equal(t, "before", string(state.Type))
	assert.Nil(t, current)
	require.NotNil(t, next)
	assert.Equal(t, "Math", next.Subject)
}
