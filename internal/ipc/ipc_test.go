package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ElSerda/KissBot-sub000/internal/logging"
)

type recordingDispatcher struct {
	subscribed chan string
}

func (d *recordingDispatcher) OnSubscribe(channelID, topic string) {
	d.subscribed <- topic
}
func (d *recordingDispatcher) OnUnsubscribe(channelID, topic string)      {}
func (d *recordingDispatcher) OnPing(channelID string)                    {}
func (d *recordingDispatcher) OnSessionChange(channelID string, up bool) {}

func TestClientServerHandshakeAndEvent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "hub.sock")
	log := logging.New(false)
	disp := &recordingDispatcher{subscribed: make(chan string, 1)}

	srv := NewServer(log, disp)
	if err := srv.Start(sockPath); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	received := make(chan Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(sockPath, "chan123", "SomeChannel", []string{"stream.online"}, log, func(f Frame) {
		received <- f
	})
	go client.Run(ctx)

	select {
	case topic := <-disp.subscribed:
		if topic != "stream.online" {
			t.Fatalf("expected stream.online, got %q", topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe dispatch")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.SessionCount("chan123") == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if srv.SessionCount("chan123") != 1 {
		t.Fatal("expected one registered session")
	}

	payload, _ := json.Marshal(map[string]string{"type": "stream.online"})
	n := srv.Broadcast("chan123", Frame{Type: FrameEvent, Topic: "stream.online", Data: payload})
	if n != 1 {
		t.Fatalf("expected to deliver to 1 session, delivered %d", n)
	}

	select {
	case f := <-received:
		if f.Type != FrameEvent || f.Topic != "stream.online" {
			t.Fatalf("unexpected event frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}

	if !client.IsConnected() {
		t.Fatal("expected client to report connected")
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	huge := make([]byte, MaxFrameSize+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err := Encode(Frame{Type: FrameEvent, Message: string(huge)})
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

// TestDecodeFrameSizeBoundary exercises B2: an IPC frame of exactly 64 KiB
// on the wire (including its trailing newline) is accepted; 64 KiB + 1 is
// rejected. Decode receives the line bufio.ScanLines already split on '\n',
// so the line itself is one byte shorter than the wire frame it came from.
func TestDecodeFrameSizeBoundary(t *testing.T) {
	line := make([]byte, MaxFrameSize-1)
	line[0] = '{'
	for i := 1; i < len(line)-1; i++ {
		line[i] = ' '
	}
	line[len(line)-1] = '}'
	if _, err := Decode(line); err != nil {
		t.Fatalf("expected exactly-64KiB wire frame to be accepted, got %v", err)
	}

	oversized := append(line, ' ')
	if _, err := Decode(oversized); err != ErrFrameTooLarge {
		t.Fatalf("expected 64KiB+1 wire frame to be rejected with ErrFrameTooLarge, got %v", err)
	}
}
