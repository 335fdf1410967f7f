package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	RunID   string `json:"run_id,omitempty"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 captures the core simulation state once Header.Tick ticks have
// executed, plus the parameters needed to rebuild the run deterministically.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Scenario     string  `json:"scenario"`
	Seed         int64   `json:"seed"`
	TickRateHz   int     `json:"tick_rate_hz"`
	Timestep     float64 `json:"timestep"`
	UpdatePolicy string  `json:"update_policy"`

	// Digest of the captured state, used by resume to verify a rebuilt run.
	Digest string `json:"digest"`

	Agents    []AgentV1    `json:"agents"`
	Obstacles []ObstacleV1 `json:"obstacles"`
}

type AgentV1 struct {
	ID     int        `json:"id"`
	Pos    [2]float64 `json:"pos"`
	Vel    [2]float64 `json:"vel"`
	Target [2]float64 `json:"target"`

	Radius   float64 `json:"radius"`
	MaxSpeed float64 `json:"max_speed"`
	MaxForce float64 `json:"max_force"`
	Horizon  float64 `json:"horizon"`
	K        float64 `json:"k"`
	Avoid    float64 `json:"avoid"`
	Sidestep float64 `json:"sidestep"`

	SpeedCap   float64 `json:"speed_cap,omitempty"`
	HorizonCap float64 `json:"horizon_cap,omitempty"`
	HasHorizon bool    `json:"has_horizon,omitempty"`
}

type ObstacleV1 struct {
	Center    [2]float64 `json:"center"`
	Vertical  bool       `json:"vertical"`
	Length    float64    `json:"length"`
	Thickness float64    `json:"thickness"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeSnapshotFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeSnapshotFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line duplicates snap.Header; gob carries the authoritative copy.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// FileName names snapshot files so that lexical order is tick order.
func FileName(tick uint64) string { return fmt.Sprintf("%012d.snap.zst", tick) }

func PathFor(dir string, tick uint64) string {
	return filepath.Join(dir, FileName(tick))
}
