package scheduler

import (
	"context"
	"time"

	"github.com/roach88/scenehost/internal/sandbox"
)

// TickReport is one scene's share of a frame.
type TickReport struct {
	sandbox.TickResult
	Budget   time.Duration
	Distance int
}

// Budgets splits the frame budget across scenes. Each scene weighs
// 1/(1+distance), divided by (1 + debt/frame) so scenes that overran
// recently get less. No share falls below the floor.
func Budgets(frame, floor time.Duration, distances []int, debts []time.Duration) []time.Duration {
	out := make([]time.Duration, len(distances))
	if len(distances) == 0 {
		return out
	}
	weights := make([]float64, len(distances))
	var total float64
	for i, d := range distances {
		w := 1 / (1 + float64(max(d, 0)))
		if frame > 0 {
			w /= 1 + float64(debts[i])/float64(frame)
		}
		weights[i] = w
		total += w
	}
	for i, w := range weights {
		out[i] = max(time.Duration(float64(frame)*w/total), floor)
	}
	return out
}

// Frame ticks every ready, visible scene once. Debt is decayed first, then
// the frame budget is split and the scenes are ticked in parallel.
// Scenes that fault are marked Faulted and stay that way until reloaded.
func (s *Scheduler) Frame(ctx context.Context, dt time.Duration) []TickReport {
	s.sandboxes.DecayDebt()

	var scenes []*Scene
	for _, id := range s.sortedIDs() {
		sc := s.scenes[id]
		if sc.State == Ready && !sc.Hidden && sc.Handle != nil {
			scenes = append(scenes, sc)
		}
	}
	if len(scenes) == 0 {
		return nil
	}

	distances := make([]int, len(scenes))
	debts := make([]time.Duration, len(scenes))
	for i, sc := range scenes {
		distances[i] = sc.Distance
		debts[i] = sc.Handle.Debt()
	}
	budgets := Budgets(s.frameBudget, s.minTickBudget, distances, debts)

	reqs := make([]sandbox.TickRequest, len(scenes))
	for i, sc := range scenes {
		reqs[i] = sandbox.TickRequest{Handle: sc.Handle, DT: dt, Budget: budgets[i]}
	}
	results := s.sandboxes.TickAll(ctx, reqs)

	reports := make([]TickReport, len(results))
	for i, res := range results {
		sc := scenes[i]
		reports[i] = TickReport{TickResult: res, Budget: budgets[i], Distance: sc.Distance}
		if res.Status == sandbox.TickFaulted && sc.State == Ready {
			sc.State, sc.Err = Faulted, res.Err
			s.logger.Warn("scene faulted, reload to retry", "scene_id", sc.ID, "error", res.Err)
		}
	}
	return reports
}
