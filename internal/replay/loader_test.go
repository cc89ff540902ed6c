package replay_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/replay"
)

func TestLoadActions_JSON(t *testing.T) {
	script := `[
	  {"type": "navigation", "url": "https://app.ex.com/", "timestamp": "2026-03-01T12:00:00Z"},
	  {"type": "click", "selector": "#buy", "timestamp": "2026-03-01T12:00:01.5Z"}
	]`
	actions, err := replay.LoadActions(strings.NewReader(script), "")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, schemas.ActionNavigation, actions[0].Type)
	assert.Equal(t, "#buy", actions[1].Selector)
	assert.Equal(t, 1500*time.Millisecond, actions[1].Timestamp.Sub(actions[0].Timestamp))
}

func TestLoadSession_JSONObject(t *testing.T) {
	script := `{"id": "s1", "name": "checkout", "seed_id": "snap-9",
	  "actions": [{"type": "scroll", "y": 300, "timestamp": "2026-03-01T12:00:00Z"}]}`
	session, err := replay.LoadSession(strings.NewReader(script), replay.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "checkout", session.Name)
	assert.Equal(t, "snap-9", session.SeedID)
	require.Len(t, session.Actions, 1)
	assert.Equal(t, 300.0, session.Actions[0].Y)
}

func TestLoadActions_YAML(t *testing.T) {
	script := `
name: login
actions:
  - type: type
    selector: "#user"
    text: ada
    clear_first: true
    timestamp: 2026-03-01T12:00:00Z
  - type: wait
    duration: 2s
    timestamp: 2026-03-01T12:00:02Z
`
	actions, err := replay.LoadActions(strings.NewReader(script), replay.FormatYAML)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, schemas.ActionTypeText, actions[0].Type)
	assert.True(t, actions[0].ClearFirst)
	assert.Equal(t, 2*time.Second, actions[1].Duration)

	list := "- type: click\n  selector: '#a'\n"
	actions, err = replay.LoadActions(strings.NewReader(list), "")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "#a", actions[0].Selector)
}

func TestLoadActions_Invalid(t *testing.T) {
	tests := map[string]string{
		"empty":        "   ",
		"missing type": `[{"selector": "#a"}]`,
		"bad json":     `[{"type": }]`,
	}
	for name, script := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := replay.LoadActions(strings.NewReader(script), "")
			var verr *schemas.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	_, err := replay.LoadActions(strings.NewReader("[]"), "toml")
	assert.Error(t, err)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, replay.FormatYAML, replay.FormatFromPath("session.YML"))
	assert.Equal(t, replay.FormatYAML, replay.FormatFromPath("a/b.yaml"))
	assert.Equal(t, replay.FormatJSON, replay.FormatFromPath("s.json"))
	assert.Empty(t, replay.FormatFromPath("script"))
}
