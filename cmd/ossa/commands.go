package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-ossa"
	"github.com/goliatone/go-ossa/broker"
	"github.com/goliatone/go-ossa/messaging"
	"github.com/goliatone/go-ossa/rpc"
	"github.com/goliatone/go-ossa/workflow"
	"gopkg.in/yaml.v3"
)

type ValidateCmd struct {
	Paths  []string `arg:"" name:"path" help:"Workflow definition files (YAML or JSON)." type:"existingfile"`
	Agents bool     `help:"Also resolve every stage against the demo agents."`
}

func (c *ValidateCmd) Run(a *app) error {
	var engine *workflow.Engine
	if c.Agents {
		engine = workflow.NewEngine(demoAgents(), a.cfg.EngineOptions(a.logger)...)
	}
	var failed int
	for _, path := range c.Paths {
		def, err := workflow.LoadDefinition(path)
		if err == nil && engine != nil {
			err = engine.RegisterWorkflow(def)
		}
		if err != nil {
			failed++
			fmt.Fprintf(a.out, "FAIL %s: [%s] %s\n", path, ossa.ErrorCode(err), ossa.ErrorMessage(err))
			continue
		}
		fmt.Fprintf(a.out, "ok   %s: %s (%s, %d stages)\n", path, def.ID, def.Type, len(def.Stages))
	}
	if failed > 0 {
		return ossa.NewError(ossa.ErrConfiguration, fmt.Sprintf("%d of %d definitions are invalid", failed, len(c.Paths)), nil, nil)
	}
	return nil
}

type RunCmd struct {
	Path    string        `arg:"" name:"path" help:"Workflow definition file." type:"existingfile"`
	Input   string        `help:"Workflow input as JSON or YAML." default:"{}"`
	Timeout time.Duration `help:"Execution timeout." default:"1m"`
}

func (c *RunCmd) Run(a *app) error {
	def, err := workflow.LoadDefinition(c.Path)
	if err != nil {
		return err
	}
	var input any
	if err := yaml.Unmarshal([]byte(c.Input), &input); err != nil {
		return ossa.NewError(ossa.ErrValidation, "parse --input", err, nil)
	}

	engine := workflow.NewEngine(demoAgents(), a.cfg.EngineOptions(a.logger)...)
	if err := engine.RegisterWorkflow(def); err != nil {
		return err
	}
	res, err := engine.ExecuteWorkflow(context.Background(), def.ID, workflow.Request{
		Input:   input,
		Timeout: c.Timeout,
	})
	if err != nil {
		return err
	}
	if err := printJSON(a, res); err != nil {
		return err
	}
	if res.Status == workflow.StatusFailed || res.Status == workflow.StatusCancelled {
		return ossa.NewError(ossa.ErrStageExecution, fmt.Sprintf("workflow %s %s", def.ID, res.Status), res.Err, map[string]any{
			"execution_id": res.ExecutionID,
		})
	}
	return nil
}

type ManifestCmd struct {
	Path string `arg:"" name:"path" help:"Manifest file (YAML or JSON)." type:"existingfile"`
}

func (c *ManifestCmd) Run(a *app) error {
	m, err := messaging.LoadManifest(c.Path)
	if err != nil {
		return err
	}
	name := m.Agent
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Fprintf(a.out, "agent %s\n", name)
	for _, p := range m.Publishes {
		fmt.Fprintf(a.out, "  publishes  %s%s\n", p.Channel, schemaNote(p.Schema))
	}
	for _, s := range m.Subscribes {
		fmt.Fprintf(a.out, "  subscribes %s%s\n", s.Channel, schemaNote(s.Schema))
	}
	for _, cmd := range m.Commands {
		fmt.Fprintf(a.out, "  command    %s%s\n", cmd.Name, schemaNote(cmd.InputSchema))
	}
	return nil
}

func schemaNote(schema map[string]any) string {
	if schema == nil {
		return ""
	}
	return " (schema)"
}

type PingCmd struct {
	Count   int           `help:"Number of echo commands to send." default:"3"`
	Timeout time.Duration `help:"Per command timeout." default:"5s"`
}

type echoInput struct {
	Message string `json:"message"`
}

type echoOutput struct {
	Echo string    `json:"echo"`
	At   time.Time `json:"at"`
}

type pingReport struct {
	Replies []any             `json:"replies"`
	Events  int64             `json:"events"`
	Metrics messaging.Metrics `json:"metrics"`
	Health  broker.Health     `json:"health"`
}

func (c *PingCmd) Run(a *app) error {
	ctx := context.Background()
	b := broker.NewMemoryBroker(a.cfg.BrokerOptions(a.logger)...)
	svc := messaging.NewService(b, a.cfg.ServiceOptions(a.logger)...)

	err := svc.RegisterChannel(broker.ChannelSpec{
		Name:        "demo.events",
		ContentType: "application/json",
		Schema: map[string]any{
			"type":     "object",
			"required": []any{"seq"},
			"properties": map[string]any{
				"seq": map[string]any{"type": "integer"},
			},
		},
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := svc.Stop(ctx); err != nil {
			a.logger.Warn("stop messaging service: %v", err)
		}
	}()

	_, err = svc.RegisterCommand(rpc.CommandSpec{
		Name:        "echo",
		Description: "Echo the message back",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"message"},
		},
	}, rpc.NewCommand(func(_ context.Context, in echoInput) (echoOutput, error) {
		return echoOutput{Echo: in.Message, At: time.Now().UTC()}, nil
	}))
	if err != nil {
		return err
	}

	var events atomic.Int64
	if _, err := svc.Subscribe("demo.*", func(context.Context, broker.Envelope) error {
		events.Add(1)
		return nil
	}, messaging.SubscribeOptions{}); err != nil {
		return err
	}

	report := pingReport{}
	for i := 1; i <= c.Count; i++ {
		out, err := svc.SendCommand(ctx, svc.Source(), "echo", echoInput{Message: fmt.Sprintf("ping %d", i)}, messaging.CommandOptions{
			Timeout: c.Timeout,
		})
		if err != nil {
			return err
		}
		report.Replies = append(report.Replies, out)
		if _, err := svc.Publish(ctx, "demo.events", map[string]any{"seq": i}, messaging.PublishOptions{}); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(c.Timeout)
	for events.Load() < int64(c.Count) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	report.Events = events.Load()
	report.Metrics = svc.Metrics()
	report.Health = svc.Health()
	return printJSON(a, report)
}

type VersionCmd struct{}

func (VersionCmd) Run(a *app, k *kong.Context) error {
	_, err := fmt.Fprintf(a.out, "%s %s\n", k.Model.Name, version)
	return err
}

func printJSON(a *app, v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
