package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studiopulse/autopilot/internal/config"
	"github.com/studiopulse/autopilot/internal/log"
	"github.com/studiopulse/autopilot/internal/otel"
	"github.com/studiopulse/autopilot/internal/rest"
	"github.com/studiopulse/autopilot/pkg/automation"
	"github.com/studiopulse/autopilot/pkg/governance"
	"github.com/studiopulse/autopilot/pkg/outcome"
	"github.com/studiopulse/autopilot/pkg/rules"
	"github.com/studiopulse/autopilot/pkg/storage/inmemory"
)

func main() {
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store := inmemory.NewStorage()

	definitions, err := automation.LoadDefinitionsFromFile(conf.Automation.DefinitionsFile)
	if err != nil {
		log.Error("Failed to load process definitions: %s", err)
		os.Exit(1)
	}
	ruleSet, err := rules.LoadRulesFromFile(conf.Automation.RulesFile)
	if err != nil {
		log.Error("Failed to load rules: %s", err)
		os.Exit(1)
	}

	ruleEngine := rules.NewEngine(
		rules.EngineWithRules(ruleSet),
		rules.EngineWithLogger(log.Named("rule-engine")),
	)
	engine := automation.NewEngine(
		automation.EngineWithName(conf.Name),
		automation.EngineWithStorage(store),
		automation.EngineWithDefinitions(definitions...),
		automation.EngineWithLogger(log.Named("automation-engine")),
		automation.EngineWithScanWorkers(conf.Automation.ScanWorkers),
	)
	evaluator := outcome.NewEvaluator(
		outcome.EvaluatorWithStorage(store),
		outcome.EvaluatorWithRuleResolver(ruleEngine),
		outcome.EvaluatorWithLogger(log.Named("outcome-evaluator")),
	)
	gate := governance.NewGate(
		governance.GateWithStorage(store),
		governance.GateWithLogger(log.Named("governance-gate")),
	)

	scanInterval, err := time.ParseDuration(conf.Automation.ScanInterval)
	if err != nil {
		log.Error("Invalid scan interval %q: %s", conf.Automation.ScanInterval, err)
		os.Exit(1)
	}
	scanner := automation.NewScanner(engine, scanInterval)
	scanner.Start()

	// Start the public API
	svr := rest.NewServer(engine, ruleEngine, gate, evaluator, conf.Server.Addr)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	scanner.Stop()
	openTelemetry.Stop(appContext)
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
