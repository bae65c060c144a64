package serialmux

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReplayPort_PlaysLinesInOrder(t *testing.T) {
	port := NewReplayPort([]string{"0,500,ok", "1,400,ok"}, time.Millisecond, false)
	defer port.Close()

	scan := bufio.NewScanner(port)
	var got []string
	for scan.Scan() {
		got = append(got, scan.Text())
	}
	if len(got) != 2 || got[0] != "0,500,ok" || got[1] != "1,400,ok" {
		t.Errorf("got %q", got)
	}
}

func TestReplayPort_RecordsCommands(t *testing.T) {
	port := NewReplayPort(nil, time.Millisecond, true)
	mux := NewSerialMux(port)
	if err := mux.Initialize(0); err != nil {
		t.Fatal(err)
	}
	cmds := port.Commands()
	if len(cmds) != 2 || cmds[0] != CommandStop || cmds[1] != CommandStart {
		t.Errorf("commands = %q", cmds)
	}
	if err := mux.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestReplaySerialMux_Loops(t *testing.T) {
	mux := NewReplaySerialMux([]string{"2,300,ok"}, time.Millisecond)
	_, ch := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	for i := 0; i < 3; i++ {
		if got := recv(t, ch); got != "2,300,ok" {
			t.Fatalf("line %d = %q", i, got)
		}
	}
	cancel()
	mux.Close()
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass.txt")
	if err := os.WriteFile(path, []byte("# header\n\n0,500,ok\n  \n0,400,ok\n"), 0644); err != nil {
		t.Fatal(err)
	}
	lines, err := LoadFixture(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 || lines[2] != "0,400,ok" {
		t.Errorf("lines = %q", lines)
	}

	if _, err := LoadFixture(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing fixture")
	}
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()
	if err := d.SendCommand("START"); err != nil {
		t.Error(err)
	}
	if err := d.Initialize(time.Second); err != nil {
		t.Error(err)
	}
	d.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}

	_, ch2 := d.Subscribe()
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch2; ok {
		t.Error("Close should close subscribers")
	}
	_, ch3 := d.Subscribe()
	if _, ok := <-ch3; ok {
		t.Error("Subscribe after Close should return a closed channel")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Monitor(ctx); err != context.Canceled {
		t.Errorf("Monitor = %v", err)
	}
}

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)
var _ SerialMuxInterface = (*SerialMux[*TestableSerialPort])(nil)
var _ TimeoutSerialPorter = (*TestableSerialPort)(nil)
