package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// testPlan is one stage of a staged load run.
type testPlan struct {
	Name     string
	Users    int
	Duration time.Duration
	Scenario string
	RampUp   time.Duration
}

var testPlans = map[string][]testPlan{
	"light": {
		{Name: "Light Load", Users: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
	},
	"medium": {
		{Name: "Light Load", Users: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
		{Name: "Medium Load", Users: 25, Duration: 2 * time.Minute, Scenario: "aggressive", RampUp: 15 * time.Second},
	},
	"heavy": {
		{Name: "Light Load", Users: 5, Duration: time.Minute, Scenario: "normal", RampUp: 5 * time.Second},
		{Name: "Medium Load", Users: 25, Duration: 2 * time.Minute, Scenario: "aggressive", RampUp: 15 * time.Second},
		{Name: "Heavy Load", Users: 50, Duration: 3 * time.Minute, Scenario: "review", RampUp: 30 * time.Second},
		{Name: "Stress Test", Users: 100, Duration: 5 * time.Minute, Scenario: "aggressive", RampUp: time.Minute},
	},
}

// runPlan runs each stage against a fresh tree, pausing between stages. It
// reports whether every stage finished consistent.
func runPlan(ctx context.Context, name string, base simulationConfig, pause time.Duration, log *zap.Logger) (bool, error) {
	stages, ok := testPlans[name]
	if !ok {
		return false, fmt.Errorf("unknown plan %q", name)
	}

	allConsistent := true
	for i, stage := range stages {
		fmt.Printf("\n=== Running Test: %s ===\n", stage.Name)
		fmt.Printf("Users: %d, Duration: %s, Scenario: %s\n", stage.Users, stage.Duration, stage.Scenario)

		cfg := base
		cfg.TreeID = ""
		cfg.Users = stage.Users
		cfg.Duration = stage.Duration
		cfg.Scenario = stage.Scenario
		cfg.RampUp = stage.RampUp

		report, err := runSimulation(ctx, cfg, log.With(zap.String("stage", stage.Name)))
		if err != nil {
			log.Error("stage failed", zap.String("stage", stage.Name), zap.Error(err))
			allConsistent = false
		} else {
			printReport(report)
			allConsistent = allConsistent && report.Consistent
		}

		if i == len(stages)-1 || ctx.Err() != nil {
			break
		}
		fmt.Printf("\nWaiting %s before next test...\n", pause)
		select {
		case <-ctx.Done():
			return allConsistent, ctx.Err()
		case <-time.After(pause):
		}
	}
	return allConsistent, ctx.Err()
}
