package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wirepull/wirepull/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(t.TempDir(), discardLogger())
}

// runTransfer drives one complete receive through the engine and returns the
// computed digest and the finished record's output path.
func runTransfer(t *testing.T, e *Engine, requestID, clientID string, content []byte, chunkSize int) (string, string) {
	t.Helper()

	e.Expect(requestID, clientID, "")
	err := e.HandleUploadStart(clientID, protocol.UploadStart{
		Type:      protocol.KindUploadStart,
		RequestID: requestID,
		Filename:  "source.bin",
		Filesize:  int64(len(content)),
	})
	if err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}

	rec := e.active[requestID]
	if rec == nil {
		t.Fatal("no active record after upload_start")
	}
	outPath := rec.OutPath

	var seq uint64
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		seq++
		e.HandleChunk(protocol.FrameMeta{RequestID: requestID, Seq: seq}, content[off:end])
	}

	computed, ok := e.HandleUploadEnd(protocol.UploadEnd{
		Type:      protocol.KindUploadEnd,
		RequestID: requestID,
		Filesize:  int64(len(content)),
	})
	if !ok {
		t.Fatal("HandleUploadEnd did not find the record")
	}
	return computed, outPath
}

func TestEngine_DigestMatchesSinglePass(t *testing.T) {
	tests := []struct {
		name      string
		size      int
		chunkSize int
	}{
		{"empty source", 0, 1},
		{"single byte", 1, 1},
		{"chunk-aligned", 8192, 2048},
		{"not a multiple", 10000, 3333},
		{"one big chunk", 4096, 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)

			content := make([]byte, tt.size)
			rand.New(rand.NewSource(42)).Read(content)
			want := hex.EncodeToString(func() []byte { h := sha256.Sum256(content); return h[:] }())

			computed, outPath := runTransfer(t, e, "req-"+tt.name, "client1", content, tt.chunkSize)
			if computed != want {
				t.Errorf("digest = %s, want %s", computed, want)
			}

			written, err := os.ReadFile(outPath)
			if err != nil {
				t.Fatalf("read sink: %v", err)
			}
			if len(written) != tt.size {
				t.Errorf("sink holds %d bytes, want %d", len(written), tt.size)
			}

			if e.Active() != 0 {
				t.Errorf("Active = %d after completion, want 0", e.Active())
			}
		})
	}
}

func TestEngine_ThreeChunkScenario(t *testing.T) {
	e := newTestEngine(t)

	content := make([]byte, 150000)
	rand.New(rand.NewSource(7)).Read(content)

	e.Expect("req-3c", "client1", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{
		RequestID: "req-3c", Filename: "big.bin", Filesize: 150000,
	}); err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}

	rec := e.active["req-3c"]
	for i, chunkLen := range []int{65536, 65536, 18928} {
		off := i * 65536
		e.HandleChunk(protocol.FrameMeta{RequestID: "req-3c", Seq: uint64(i + 1)}, content[off:off+chunkLen])
	}

	if rec.BytesReceived != 150000 {
		t.Errorf("BytesReceived = %d, want 150000", rec.BytesReceived)
	}
	if rec.LastSeq != 3 {
		t.Errorf("LastSeq = %d, want 3", rec.LastSeq)
	}

	computed, ok := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "req-3c", Filesize: 150000})
	if !ok {
		t.Fatal("HandleUploadEnd did not find the record")
	}
	want := sha256.Sum256(content)
	if computed != hex.EncodeToString(want[:]) {
		t.Errorf("digest = %s, want %s", computed, hex.EncodeToString(want[:]))
	}
}

func TestEngine_UploadStartWithoutExpect(t *testing.T) {
	e := newTestEngine(t)

	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "ghost"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.active) != 0 {
		t.Error("record created for unannounced request")
	}
}

func TestEngine_UnknownChunkDiscarded(t *testing.T) {
	e := newTestEngine(t)

	content := []byte("known transfer data")
	e.Expect("req-known", "client1", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "req-known", Filesize: int64(len(content))}); err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}

	// A chunk for a request id nobody announced must not touch the live record.
	e.HandleChunk(protocol.FrameMeta{RequestID: "ghost", Seq: 1}, []byte("stray bytes"))

	rec := e.active["req-known"]
	if rec.BytesReceived != 0 {
		t.Errorf("live record mutated by stray chunk: BytesReceived = %d", rec.BytesReceived)
	}

	e.HandleChunk(protocol.FrameMeta{RequestID: "req-known", Seq: 1}, content)
	computed, ok := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "req-known"})
	if !ok {
		t.Fatal("HandleUploadEnd did not find the record")
	}
	want := sha256.Sum256(content)
	if computed != hex.EncodeToString(want[:]) {
		t.Error("stray chunk corrupted the digest")
	}
}

func TestEngine_UploadEndUnknown(t *testing.T) {
	e := newTestEngine(t)
	if _, ok := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "ghost"}); ok {
		t.Error("HandleUploadEnd reported ok for unknown request")
	}
}

func TestEngine_AbandonClient(t *testing.T) {
	e := newTestEngine(t)

	e.Expect("req-a", "client1", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "req-a", Filesize: 3 * 50}); err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}

	// 2 of 3 chunks arrive, then the connection drops.
	chunk := make([]byte, 50)
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-a", Seq: 1}, chunk)
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-a", Seq: 2}, chunk)

	rec := e.active["req-a"]
	e.Expect("req-pending", "client1", "")
	e.Expect("req-other", "client2", "")

	e.AbandonClient("client1")

	if rec.Status != StatusAbandoned {
		t.Errorf("Status = %v, want %v", rec.Status, StatusAbandoned)
	}
	if _, ok := e.active["req-a"]; ok {
		t.Error("abandoned record still in active set")
	}
	if _, ok := e.pending["req-pending"]; ok {
		t.Error("pending request of departed client not dropped")
	}
	if _, ok := e.pending["req-other"]; !ok {
		t.Error("pending request of another client was dropped")
	}

	// A no-op finalize afterwards: no acknowledgment material is produced.
	if _, ok := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "req-a"}); ok {
		t.Error("HandleUploadEnd succeeded on an abandoned transfer")
	}

	// The sink handle is released; late chunks are discarded per the
	// unknown-record rule.
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-a", Seq: 3}, chunk)
	if rec.BytesReceived != 100 {
		t.Errorf("BytesReceived = %d after abandonment, want 100", rec.BytesReceived)
	}
}

// A session teardown abandons only the uploads announced on that session;
// transfers of the same client owned by a newer connection stay live.
func TestEngine_AbandonSingleRequest(t *testing.T) {
	e := newTestEngine(t)

	e.Expect("req-old", "client1", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "req-old", Filesize: 100}); err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}
	old := e.active["req-old"]

	e.Expect("req-new", "client1", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "req-new", Filesize: 100}); err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}

	e.Abandon("req-old")

	if old.Status != StatusAbandoned {
		t.Errorf("Status = %v, want %v", old.Status, StatusAbandoned)
	}
	if _, ok := e.active["req-old"]; ok {
		t.Error("abandoned record still in active set")
	}
	if _, ok := e.active["req-new"]; !ok {
		t.Fatal("transfer of the surviving session was abandoned")
	}

	// The survivor still streams and finalizes normally.
	content := make([]byte, 100)
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-new", Seq: 1}, content)
	computed, ok := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "req-new"})
	if !ok {
		t.Fatal("HandleUploadEnd failed for the surviving transfer")
	}
	want := sha256.Sum256(content)
	if computed != hex.EncodeToString(want[:]) {
		t.Errorf("digest = %s, want %s", computed, hex.EncodeToString(want[:]))
	}

	// Pending-only and unknown ids are no-ops.
	e.Expect("req-pending", "client1", "")
	e.Abandon("req-pending")
	if _, ok := e.pending["req-pending"]; ok {
		t.Error("pending request not dropped by Abandon")
	}
	e.Abandon("ghost")
}

func TestEngine_SinkWriteFailure(t *testing.T) {
	e := newTestEngine(t)

	e.Expect("req-io", "client1", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "req-io"}); err != nil {
		t.Fatalf("HandleUploadStart failed: %v", err)
	}

	// Force the next write to fail.
	e.active["req-io"].sink.Close()

	e.HandleChunk(protocol.FrameMeta{RequestID: "req-io", Seq: 1}, []byte("doomed"))

	if _, ok := e.active["req-io"]; ok {
		t.Error("failed record still in active set")
	}
	if e.Active() != 0 {
		t.Errorf("Active = %d, want 0", e.Active())
	}
}

func TestEngine_OutputName(t *testing.T) {
	e := newTestEngine(t)
	e.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }

	name := e.outputName("client-1", "")
	if name != "client-1_2026-03-14T09-26-53Z.bin" {
		t.Errorf("outputName = %q", name)
	}

	name = e.outputName("client-1", "var/log/app.log")
	if strings.ContainsAny(name, "/\\:") {
		t.Errorf("outputName %q contains path separators", name)
	}
	if !strings.Contains(name, "var-log-app.log") {
		t.Errorf("outputName %q does not carry the sanitized key", name)
	}
}

func TestEngine_ConcurrentTransfersInterleave(t *testing.T) {
	e := newTestEngine(t)

	a := []byte(strings.Repeat("a", 300))
	b := []byte(strings.Repeat("b", 200))

	e.Expect("req-a", "client1", "")
	e.Expect("req-b", "client2", "")
	if err := e.HandleUploadStart("client1", protocol.UploadStart{RequestID: "req-a", Filesize: 300}); err != nil {
		t.Fatal(err)
	}
	if err := e.HandleUploadStart("client2", protocol.UploadStart{RequestID: "req-b", Filesize: 200}); err != nil {
		t.Fatal(err)
	}

	// Chunks of distinct transfers interleave in wire order.
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-a", Seq: 1}, a[:100])
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-b", Seq: 1}, b[:100])
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-a", Seq: 2}, a[100:])
	e.HandleChunk(protocol.FrameMeta{RequestID: "req-b", Seq: 2}, b[100:])

	gotA, okA := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "req-a"})
	gotB, okB := e.HandleUploadEnd(protocol.UploadEnd{RequestID: "req-b"})
	if !okA || !okB {
		t.Fatal("finalize failed")
	}

	wantA := sha256.Sum256(a)
	wantB := sha256.Sum256(b)
	if gotA != hex.EncodeToString(wantA[:]) {
		t.Error("transfer A digest corrupted by interleaving")
	}
	if gotB != hex.EncodeToString(wantB[:]) {
		t.Error("transfer B digest corrupted by interleaving")
	}
}

func TestEngine_SinkLandsInDownloadDir(t *testing.T) {
	dir := t.TempDir()
	e := NewEngine(dir, discardLogger())

	_, outPath := runTransfer(t, e, "req-dir", "client1", []byte("payload"), 4)
	if filepath.Dir(outPath) != dir {
		t.Errorf("sink written to %q, want directory %q", outPath, dir)
	}
}
