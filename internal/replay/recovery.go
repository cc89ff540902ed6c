// internal/replay/recovery.go
package replay

import (
	"context"
	"time"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// Recovery strategy names.
const (
	StrategyReloadAndWait        = "reload_and_wait"
	StrategyWaitThenReload       = "wait_then_reload"
	StrategyDelayedReload        = "delayed_reload"
	StrategyReload               = "reload"
	StrategyGenericDelayedReload = "generic_delayed_reload"
)

// recoveryIdleQuiet is the network quiet period awaited after a recovery reload.
const recoveryIdleQuiet = 500 * time.Millisecond

// recoveryEnv is what a strategy may touch.
type recoveryEnv struct {
	page  schemas.Page
	sleep Sleeper
	delay time.Duration
}

// Strategy is a named remediation routine run before an action is re-attempted.
type Strategy struct {
	Name  string
	apply func(ctx context.Context, env recoveryEnv) error
}

var strategies = map[string]Strategy{
	StrategyReloadAndWait: {StrategyReloadAndWait, func(ctx context.Context, env recoveryEnv) error {
		if err := env.page.Reload(ctx); err != nil {
			return err
		}
		return env.page.WaitNetworkIdle(ctx, recoveryIdleQuiet)
	}},
	StrategyWaitThenReload: {StrategyWaitThenReload, func(ctx context.Context, env recoveryEnv) error {
		if err := env.sleep(ctx, env.delay); err != nil {
			return err
		}
		return env.page.Reload(ctx)
	}},
	StrategyDelayedReload: {StrategyDelayedReload, func(ctx context.Context, env recoveryEnv) error {
		if err := env.sleep(ctx, 2*env.delay); err != nil {
			return err
		}
		return env.page.Reload(ctx)
	}},
	StrategyReload: {StrategyReload, func(ctx context.Context, env recoveryEnv) error {
		return env.page.Reload(ctx)
	}},
	StrategyGenericDelayedReload: {StrategyGenericDelayedReload, func(ctx context.Context, env recoveryEnv) error {
		if err := env.sleep(ctx, env.delay); err != nil {
			return err
		}
		if err := env.page.Reload(ctx); err != nil {
			return err
		}
		// Idle is a courtesy here; the re-attempt decides.
		_ = env.page.WaitNetworkIdle(ctx, recoveryIdleQuiet)
		return nil
	}},
}

// categoryStrategies maps error categories to strategies. The table is the only place a
// failure category influences recovery.
var categoryStrategies = map[schemas.ErrorCategory]string{
	schemas.CategoryTimeout:    StrategyReloadAndWait,
	schemas.CategorySelector:   StrategyWaitThenReload,
	schemas.CategoryNetwork:    StrategyDelayedReload,
	schemas.CategoryNavigation: StrategyReload,
}

// SelectStrategy picks the recovery strategy for a failed action. The error category
// wins; the action type only decides when the category has no entry.
func SelectStrategy(err error, t schemas.ActionType) Strategy {
	if name, ok := categoryStrategies[schemas.CategorizeError(err)]; ok {
		return strategies[name]
	}
	if t == schemas.ActionNavigation {
		return strategies[StrategyReload]
	}
	return strategies[StrategyGenericDelayedReload]
}
