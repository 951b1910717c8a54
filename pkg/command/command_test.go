package command_test

import (
	"errors"
	"testing"

	"github.com/pulsario/pulsar/pkg/command"
)

type fakeActor struct {
	aid   string
	name  string
	state string
	info  map[string]interface{}
	ran   func() (interface{}, error)
	stopped bool
}

func (f *fakeActor) AID() string                            { return f.aid }
func (f *fakeActor) Name() string                           { return f.name }
func (f *fakeActor) StateString() string                    { return f.state }
func (f *fakeActor) InfoSnapshot() map[string]interface{}   { return f.info }
func (f *fakeActor) RunOnLoop(fn func() (interface{}, error)) (interface{}, error) {
	if f.ran != nil {
		return f.ran()
	}
	return fn()
}
func (f *fakeActor) RequestStop() { f.stopped = true }

func echoHandler(req *command.Request) (interface{}, error) {
	if len(req.Args) == 0 {
		return nil, errors.New("echo: missing argument")
	}
	return req.Args[0], nil
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	reg := command.NewRegistry()
	cmd := command.Command{Name: "echo", Ack: true, Handler: echoHandler}
	if err := reg.Register(cmd); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := reg.Register(cmd)
	var dup *command.ErrAlreadyRegistered
	if !errors.As(err, &dup) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestDispatchUnknownCommandReturnsNotFound(t *testing.T) {
	reg := command.NewRegistry()
	_, err := reg.Dispatch(&command.Request{Command: "bogus"})
	var nf *command.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDispatchRunsHandlerAndSetsAck(t *testing.T) {
	reg := command.NewRegistry()
	reg.MustRegister(command.Command{Name: "echo", Ack: true, Handler: echoHandler})

	req := &command.Request{Command: "echo", Args: []interface{}{"hi"}}
	result, err := reg.Dispatch(req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result != "hi" {
		t.Fatalf("result = %v, want hi", result)
	}
	if !req.Ack {
		t.Fatal("expected Ack to be set from the registered command")
	}
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	reg := command.NewRegistry()
	reg.MustRegister(command.Command{Name: "boom", Ack: true, Handler: func(req *command.Request) (interface{}, error) {
		panic("kaboom")
	}})

	_, err := reg.Dispatch(&command.Request{Command: "boom"})
	if err == nil {
		t.Fatal("expected panic to be recovered into an error")
	}
}

func TestActorTargetDrivesPingAndStop(t *testing.T) {
	reg := command.NewRegistry()
	reg.MustRegister(command.Command{Name: "ping", Ack: true, Handler: func(req *command.Request) (interface{}, error) {
		a := req.Target.(command.Actor)
		return a.AID(), nil
	}})
	reg.MustRegister(command.Command{Name: "stop", Ack: false, Handler: func(req *command.Request) (interface{}, error) {
		req.Target.(command.Actor).RequestStop()
		return nil, nil
	}})

	fa := &fakeActor{aid: "a1", name: "worker-1", state: "running", info: map[string]interface{}{}}

	got, err := reg.Dispatch(&command.Request{Command: "ping", Target: fa})
	if err != nil {
		t.Fatalf("Dispatch ping: %v", err)
	}
	if got != "a1" {
		t.Fatalf("ping result = %v, want a1", got)
	}

	if _, err := reg.Dispatch(&command.Request{Command: "stop", Target: fa}); err != nil {
		t.Fatalf("Dispatch stop: %v", err)
	}
	if !fa.stopped {
		t.Fatal("expected RequestStop to have been called")
	}
}

func TestNamesListsRegisteredCommands(t *testing.T) {
	reg := command.NewRegistry()
	reg.MustRegister(command.Command{Name: "ping", Ack: true, Handler: echoHandler})
	reg.MustRegister(command.Command{Name: "echo", Ack: true, Handler: echoHandler})

	names := reg.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v, want 2 entries", names)
	}
}
