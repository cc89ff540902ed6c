package cmd

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/mocks"
)

func TestRestoreCommand(t *testing.T) {
	t.Run("restores a snapshot file into a fresh page", func(t *testing.T) {
		h := newHarness(t, false)
		file := h.captureTo("dash.json", "dark")

		stdout, _, err := h.run("restore", file)
		require.NoError(t, err)

		var res schemas.RestorationResult
		require.NoError(t, json.Unmarshal([]byte(stdout), &res))
		assert.True(t, res.Success, "warnings: %v", res.Warnings)
		require.NotNil(t, res.Verification)
		assert.True(t, res.Verification.Equivalent())

		target := h.lastPage()
		assert.True(t, target.closed)
		assert.Equal(t, "https://app.ex.com/dashboard", target.URL)
		assert.Equal(t, "dark", target.Local["theme"])
		assert.Equal(t, "2", target.Session["wizard_step"])
		assert.Len(t, target.Cookies, 2)
	})

	t.Run("loads the snapshot from the store by id", func(t *testing.T) {
		h := newHarness(t, true)
		file := h.captureTo("dash.json", "light")
		_, _, err := h.run("snapshots", "import", file)
		require.NoError(t, err)
		snap := decodeFile(t, file)
		require.NoError(t, os.Remove(file))

		_, _, err = h.run("restore", snap.ID)
		require.NoError(t, err)
		assert.Equal(t, "light", h.lastPage().Local["theme"])
	})

	t.Run("no-verify skips verification", func(t *testing.T) {
		h := newHarness(t, false)
		file := h.captureTo("dash.json", "dark")

		stdout, _, err := h.run("restore", file, "--no-verify")
		require.NoError(t, err)

		var res schemas.RestorationResult
		require.NoError(t, json.Unmarshal([]byte(stdout), &res))
		assert.Nil(t, res.Verification)
		step, ok := res.Step(schemas.StepVerification)
		require.True(t, ok)
		assert.True(t, step.Skipped)
	})

	t.Run("plan prints the steps without a browser", func(t *testing.T) {
		h := newHarness(t, false)
		file := h.captureTo("dash.json", "dark")
		opened := len(h.pages)

		stdout, _, err := h.run("restore", file, "--plan", "--optimized")
		require.NoError(t, err)

		var plan schemas.RestorationPlan
		require.NoError(t, json.Unmarshal([]byte(stdout), &plan))
		assert.True(t, plan.Optimized)
		require.NotEmpty(t, plan.Steps)
		assert.Equal(t, schemas.StepNavigation, plan.Steps[0].Type)
		assert.Equal(t, schemas.StepVerification, plan.Steps[len(plan.Steps)-1].Type)
		assert.Len(t, h.pages, opened)
	})

	t.Run("critical failure fails the command", func(t *testing.T) {
		h := newHarness(t, false)
		file := h.captureTo("dash.json", "dark")
		h.preparePage = func(p *mocks.Page) {
			p.FailAlways(mocks.OpNavigate, schemas.NewPageError(mocks.OpNavigate, schemas.CategoryNavigation, errors.New("net::ERR_ABORTED")))
		}

		stdout, _, err := h.run("restore", file)
		require.Error(t, err)
		assert.ErrorIs(t, err, errRestoreFailed)

		var res schemas.RestorationResult
		require.NoError(t, json.Unmarshal([]byte(stdout), &res))
		assert.False(t, res.Success)
	})

	t.Run("missing snapshot", func(t *testing.T) {
		h := newHarness(t, false)
		_, _, err := h.run("restore", h.path("nope.json"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
