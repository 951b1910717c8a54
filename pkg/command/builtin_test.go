package command_test

import (
	"testing"

	"github.com/pulsario/pulsar/pkg/command"
)

type fakeSupervisor struct {
	recorded map[string]map[string]interface{}
	seen     map[string]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{recorded: map[string]map[string]interface{}{}, seen: map[string]bool{}}
}

func (s *fakeSupervisor) RecordNotify(senderAID string, info map[string]interface{}) bool {
	first := !s.seen[senderAID]
	s.seen[senderAID] = true
	s.recorded[senderAID] = info
	return first
}

type fakeSpawner struct {
	next string
}

func (s *fakeSpawner) SpawnActor(req *command.Request) (string, error) {
	return s.next, nil
}

func TestBuiltinsRegisterWithoutCollision(t *testing.T) {
	reg := command.NewRegistry()
	command.RegisterBuiltins(reg)

	names := reg.Names()
	if len(names) != 8 {
		t.Fatalf("expected 8 builtin verbs, got %d: %v", len(names), names)
	}
}

func TestNotifyFirstCallCompletesHandshake(t *testing.T) {
	reg := command.NewRegistry()
	command.RegisterBuiltins(reg)
	sup := newFakeSupervisor()

	first, err := reg.Dispatch(&command.Request{Command: "notify", CallerAID: "a1", Target: sup})
	if err != nil {
		t.Fatalf("Dispatch notify: %v", err)
	}
	if first != true {
		t.Fatalf("expected first notify to report handshake completion, got %v", first)
	}

	second, err := reg.Dispatch(&command.Request{Command: "notify", CallerAID: "a1", Target: sup})
	if err != nil {
		t.Fatalf("Dispatch notify: %v", err)
	}
	if second != false {
		t.Fatalf("expected second notify to not re-report handshake completion, got %v", second)
	}
}

func TestSpawnRequiresSpawnerTarget(t *testing.T) {
	reg := command.NewRegistry()
	command.RegisterBuiltins(reg)

	if _, err := reg.Dispatch(&command.Request{Command: "spawn", Target: &fakeActor{}}); err == nil {
		t.Fatal("expected spawn against a non-spawner target to fail")
	}

	sp := &fakeSpawner{next: "a2"}
	aid, err := reg.Dispatch(&command.Request{Command: "spawn", Target: sp})
	if err != nil {
		t.Fatalf("Dispatch spawn: %v", err)
	}
	if aid != "a2" {
		t.Fatalf("aid = %v, want a2", aid)
	}
}

func TestHandshakeRequiresCallerAID(t *testing.T) {
	reg := command.NewRegistry()
	command.RegisterBuiltins(reg)

	if _, err := reg.Dispatch(&command.Request{Command: "handshake"}); err == nil {
		t.Fatal("expected handshake without a caller aid to fail")
	}
	aid, err := reg.Dispatch(&command.Request{Command: "handshake", CallerAID: "a1"})
	if err != nil {
		t.Fatalf("Dispatch handshake: %v", err)
	}
	if aid != "a1" {
		t.Fatalf("aid = %v, want a1", aid)
	}
}
