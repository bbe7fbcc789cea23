package cluster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedEngine stands in for the inference runtime, recording calls
// and returning canned output.
type scriptedEngine struct {
	mu           sync.Mutex
	loadErr      error
	genErr       error
	text         string
	tokens       int
	stream       []string
	generateHook func()

	loads      int
	unloads    int
	lastModel  string
	lastQuant  string
	lastLayers []int
	lastReq    GenerateRequest
	loaded     bool
}

func (e *scriptedEngine) Load(ctx context.Context, model, quantization string, layers []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loads++
	e.lastModel = model
	e.lastQuant = quantization
	e.lastLayers = append([]int(nil), layers...)
	e.loaded = true
	return nil
}

func (e *scriptedEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloads++
	e.loaded = false
	return nil
}

func (e *scriptedEngine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *scriptedEngine) Generate(ctx context.Context, req GenerateRequest) (string, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastReq = req
	if !e.loaded {
		return "", 0, ErrModelNotLoaded
	}
	if e.genErr != nil {
		return "", 0, e.genErr
	}
	if e.generateHook != nil {
		e.generateHook()
	}
	return e.text, e.tokens, nil
}

func (e *scriptedEngine) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan string, error) {
	e.mu.Lock()
	e.lastReq = req
	if !e.loaded {
		e.mu.Unlock()
		return nil, ErrModelNotLoaded
	}
	toks := append([]string(nil), e.stream...)
	e.mu.Unlock()

	out := make(chan string)
	go func() {
		defer close(out)
		for _, tok := range toks {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (e *scriptedEngine) stats() (loads, unloads int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads, e.unloads
}

func newTestCoordinator(t *testing.T, engine Engine, localMemGB, remoteMemGB float64) *Coordinator {
	t.Helper()
	cl := New(testNode("local", localMemGB), discardLogger())
	if remoteMemGB > 0 {
		cl.AddNode(testNode("remote", remoteMemGB))
	}
	return NewCoordinator(cl, engine, CoordinatorOptions{Logger: discardLogger()})
}

func TestLoadModelPartitionsAcrossNodes(t *testing.T) {
	engine := &scriptedEngine{}
	coord := newTestCoordinator(t, engine, 16, 8)

	res := coord.LoadModel(context.Background(), "llama-13b", "4bit")
	if !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}
	if res.TotalLayers != 40 {
		t.Errorf("TotalLayers = %d, want 40", res.TotalLayers)
	}
	if len(res.Assignments["local"]) != 26 || len(res.Assignments["remote"]) != 14 {
		t.Errorf("assignments = local:%d remote:%d, want 26/14",
			len(res.Assignments["local"]), len(res.Assignments["remote"]))
	}

	if engine.lastModel != "llama-13b" || engine.lastQuant != Quant4Bit {
		t.Errorf("engine loaded %q at %q", engine.lastModel, engine.lastQuant)
	}
	if len(engine.lastLayers) != 26 || engine.lastLayers[0] != 0 {
		t.Errorf("engine layer range = %v, want [0,26)", engine.lastLayers)
	}

	model, quant, layers := coord.Cluster().Loaded()
	if model != "llama-13b" || quant != Quant4Bit || layers != 40 {
		t.Errorf("cluster state = %q %q %d", model, quant, layers)
	}
	if !coord.Loaded() {
		t.Error("coordinator should report loaded")
	}
}

func TestLoadModelDeniedByAdmission(t *testing.T) {
	engine := &scriptedEngine{}
	coord := newTestCoordinator(t, engine, 4, 0)

	res := coord.LoadModel(context.Background(), "llama-70b", "4bit")
	if res.Success {
		t.Fatal("expected admission denial on 4 GB")
	}
	if !strings.Contains(res.Error, "42.0") {
		t.Errorf("error %q should carry the required GB", res.Error)
	}
	if loads, _ := engine.stats(); loads != 0 {
		t.Errorf("engine loaded %d times despite denial", loads)
	}
	if model, _, _ := coord.Cluster().Loaded(); model != "" {
		t.Errorf("cluster holds %q after denial", model)
	}
}

func TestLoadModelEngineFailureClearsAssignments(t *testing.T) {
	engine := &scriptedEngine{loadErr: errors.New("weights corrupt")}
	coord := newTestCoordinator(t, engine, 16, 8)

	res := coord.LoadModel(context.Background(), "mistral-7b", "4bit")
	if res.Success {
		t.Fatal("expected load failure")
	}
	if !strings.Contains(res.Error, "weights corrupt") {
		t.Errorf("error = %q", res.Error)
	}
	if model, _, _ := coord.Cluster().Loaded(); model != "" {
		t.Errorf("cluster still holds %q after engine failure", model)
	}
	if asg := coord.Cluster().Assignments(); len(asg) != 0 {
		t.Errorf("assignments survived rollback: %v", asg)
	}
}

func TestGenerateRequiresLoadedModel(t *testing.T) {
	coord := newTestCoordinator(t, &scriptedEngine{}, 16, 0)

	_, err := coord.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("got %v, want ErrModelNotLoaded", err)
	}
}

func TestGenerateReturnsStats(t *testing.T) {
	clock := newFakeClock()
	engine := &scriptedEngine{text: "hello world", tokens: 100}
	engine.generateHook = func() { clock.Advance(2 * time.Second) }
	coord := newTestCoordinator(t, engine, 16, 8)
	coord.now = clock.Now

	if res := coord.LoadModel(context.Background(), "mistral-7b", "4bit"); !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}

	res, err := coord.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.RequestID == "" {
		t.Error("RequestID not set")
	}
	if res.Model != "mistral-7b" || res.Text != "hello world" || res.Tokens != 100 {
		t.Errorf("result = %+v", res)
	}
	if res.DurationMS != 2000 || res.TokensPerSec != 50.0 {
		t.Errorf("stats = %dms %.1f tok/s, want 2000ms 50.0", res.DurationMS, res.TokensPerSec)
	}
	if len(res.Nodes) != 2 || res.Nodes[0] != "local" || res.Nodes[1] != "remote" {
		t.Errorf("Nodes = %v, want [local remote]", res.Nodes)
	}

	local, _ := coord.Cluster().Node("local")
	if local.InferenceCount != 1 || local.TokensPerSec != 50.0 {
		t.Errorf("node stats = %d inferences %.1f tok/s", local.InferenceCount, local.TokensPerSec)
	}
	if local.Status != StatusReady {
		t.Errorf("local status = %q, want ready", local.Status)
	}
}

func TestGenerateLazyLoadsNamedModel(t *testing.T) {
	engine := &scriptedEngine{text: "ok", tokens: 2}
	coord := newTestCoordinator(t, engine, 16, 0)

	res, err := coord.Generate(context.Background(), GenerateRequest{Model: "mistral-7b", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Model != "mistral-7b" {
		t.Errorf("Model = %q", res.Model)
	}
	if loads, _ := engine.stats(); loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}

	if _, err := coord.Generate(context.Background(), GenerateRequest{Model: "mistral-7b", Prompt: "again"}); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if loads, _ := engine.stats(); loads != 1 {
		t.Errorf("resident model reloaded: loads = %d", loads)
	}
}

func TestGenerateLazyLoadFailureWrapsSentinel(t *testing.T) {
	coord := newTestCoordinator(t, &scriptedEngine{}, 4, 0)

	_, err := coord.Generate(context.Background(), GenerateRequest{Model: "llama-70b", Prompt: "hi"})
	if !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("got %v, want ErrModelNotLoaded", err)
	}
	if !strings.Contains(err.Error(), "insufficient") {
		t.Errorf("error %q should carry the admission reason", err)
	}
}

func TestGenerateEngineErrorSurfaced(t *testing.T) {
	engine := &scriptedEngine{genErr: errors.New("backend down")}
	coord := newTestCoordinator(t, engine, 16, 0)
	if res := coord.LoadModel(context.Background(), "mistral-7b", ""); !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}

	_, err := coord.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Fatalf("got %v, want wrapped engine error", err)
	}
}

func TestUnloadClearsStateAndIsIdempotent(t *testing.T) {
	engine := &scriptedEngine{}
	coord := newTestCoordinator(t, engine, 16, 0)
	if res := coord.LoadModel(context.Background(), "mistral-7b", ""); !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}

	if err := coord.Unload(context.Background()); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if coord.Loaded() {
		t.Error("still loaded after unload")
	}
	if asg := coord.Cluster().Assignments(); len(asg) != 0 {
		t.Errorf("assignments survived unload: %v", asg)
	}

	if err := coord.Unload(context.Background()); err != nil {
		t.Fatalf("idle Unload: %v", err)
	}
	if _, unloads := engine.stats(); unloads != 1 {
		t.Errorf("unloads = %d, want 1", unloads)
	}

	if _, err := coord.Generate(context.Background(), GenerateRequest{Prompt: "hi"}); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("generate after unload: got %v, want ErrModelNotLoaded", err)
	}
}

func TestGenerateStreamDeliversTokensThenRecords(t *testing.T) {
	engine := &scriptedEngine{stream: []string{"Hel", "lo", " there"}}
	coord := newTestCoordinator(t, engine, 16, 0)
	if res := coord.LoadModel(context.Background(), "mistral-7b", ""); !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}

	ch, err := coord.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var b strings.Builder
	for tok := range ch {
		b.WriteString(tok)
	}
	if b.String() != "Hello there" {
		t.Errorf("streamed %q, want %q", b.String(), "Hello there")
	}

	local, _ := coord.Cluster().Node("local")
	if local.InferenceCount != 1 {
		t.Errorf("InferenceCount = %d, want 1", local.InferenceCount)
	}
	if local.Status != StatusReady {
		t.Errorf("local status = %q, want ready", local.Status)
	}
}

func TestGenerateStreamWithoutModelFails(t *testing.T) {
	coord := newTestCoordinator(t, &scriptedEngine{}, 16, 0)

	if _, err := coord.GenerateStream(context.Background(), GenerateRequest{Prompt: "hi"}); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("got %v, want ErrModelNotLoaded", err)
	}
}
