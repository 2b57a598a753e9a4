package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Soyunomas/hammer/pkg/crypto"
	"github.com/Soyunomas/hammer/pkg/layout"
)

type Config struct {
	Listen      string `toml:"listen"`
	Backend     string `toml:"backend"`
	Key         string `toml:"key"` // hex, 32 bytes
	Loops       int    `toml:"loops"`
	MaxClients  int    `toml:"max_clients"`
	MetricsAddr string `toml:"metrics_addr"`
	PprofAddr   string `toml:"pprof_addr"`
	Debug       bool   `toml:"debug"`

	Batch  Batch  `toml:"batch"`
	Worker Worker `toml:"worker"`

	// SecretKey se rellena en Validate a partir de Key.
	SecretKey []byte `toml:"-"`
}

// Batch son los máximos del doble buffer de cada contexto.
type Batch struct {
	MaxBytes        int  `toml:"max_bytes"`
	MaxJobs         int  `toml:"max_jobs"`
	KeySize         int  `toml:"key_size"`
	IVSize          int  `toml:"iv_size"`
	OffsetSize      int  `toml:"offset_size"`
	TagSize         int  `toml:"tag_size"`
	ReadChunk       int  `toml:"read_chunk"`
	Contexts        int  `toml:"contexts"`
	Pinned          bool `toml:"pinned"`
	FlushIntervalMs int  `toml:"flush_interval_ms"`
}

type Worker struct {
	MinJobs    int `toml:"min_jobs"`
	MaxDelayUs int `toml:"max_delay_us"`
	Threads    int `toml:"threads"`
}

func Default() *Config {
	return &Config{
		Listen:     "0.0.0.0:8443",
		Backend:    "127.0.0.1:8080",
		Loops:      runtime.NumCPU(),
		MaxClients: 4096,
		Batch: Batch{
			MaxBytes:        8 << 20,
			MaxJobs:         256,
			KeySize:         32,
			IVSize:          crypto.IVSize,
			OffsetSize:      layout.OffsetSize,
			TagSize:         crypto.TagSize,
			ReadChunk:       16 << 10,
			Contexts:        1,
			Pinned:          true,
			FlushIntervalMs: 1,
		},
		Worker: Worker{
			MinJobs:    32,
			MaxDelayUs: 200,
		},
	}
}

// Decode aplica el TOML de r sobre cfg. Las claves desconocidas son error.
func Decode(r io.Reader, cfg *Config) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config: %s", strict.String())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// LoadFile parte de Default y aplica el fichero.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := Decode(f, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate comprueba la configuración y decodifica la clave.
func (c *Config) Validate() error {
	if c.Key == "" {
		return errors.New("key es obligatoria")
	}
	key, err := hex.DecodeString(c.Key)
	if err != nil {
		return fmt.Errorf("bad key: %v", err)
	}
	if len(key) != crypto.SecretSize {
		return fmt.Errorf("key len must be %d, got %d", crypto.SecretSize, len(key))
	}
	c.SecretKey = key

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		return fmt.Errorf("bad listen addr: %v", err)
	}
	if _, _, err := net.SplitHostPort(c.Backend); err != nil {
		return fmt.Errorf("bad backend addr: %v", err)
	}
	if c.Loops <= 0 {
		return fmt.Errorf("loops must be positive, got %d", c.Loops)
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("max_clients must be positive, got %d", c.MaxClients)
	}
	if err := c.Batch.validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if c.Worker.MinJobs <= 0 || c.Worker.MinJobs > c.Batch.MaxJobs {
		return fmt.Errorf("worker: min_jobs must be in [1, %d], got %d", c.Batch.MaxJobs, c.Worker.MinJobs)
	}
	if c.Worker.MaxDelayUs <= 0 {
		return fmt.Errorf("worker: max_delay_us must be positive, got %d", c.Worker.MaxDelayUs)
	}
	if c.Worker.Threads < 0 {
		return fmt.Errorf("worker: threads must not be negative, got %d", c.Worker.Threads)
	}
	return nil
}

func (b Batch) validate() error {
	if err := b.Params().Validate(); err != nil {
		return err
	}
	switch b.KeySize {
	case 16, 24, 32:
	default:
		return fmt.Errorf("key_size must be 16, 24 or 32, got %d", b.KeySize)
	}
	if b.IVSize != crypto.IVSize {
		return fmt.Errorf("iv_size must be %d, got %d", crypto.IVSize, b.IVSize)
	}
	if b.TagSize != crypto.TagSize {
		return fmt.Errorf("tag_size must be %d, got %d", crypto.TagSize, b.TagSize)
	}
	if b.ReadChunk <= 0 {
		return fmt.Errorf("read_chunk must be positive, got %d", b.ReadChunk)
	}
	if need := b.MaxJobs * layout.PaddedLength(b.ReadChunk, b.TagSize); b.MaxBytes < need {
		return fmt.Errorf("max_bytes %d cannot hold %d jobs of %d bytes (%d needed)",
			b.MaxBytes, b.MaxJobs, b.ReadChunk, need)
	}
	if b.Contexts <= 0 {
		return fmt.Errorf("contexts must be positive, got %d", b.Contexts)
	}
	if b.FlushIntervalMs <= 0 {
		return fmt.Errorf("flush_interval_ms must be positive, got %d", b.FlushIntervalMs)
	}
	return nil
}

func (b Batch) Params() layout.Params {
	return layout.Params{
		MaxBytes:   b.MaxBytes,
		MaxJobs:    b.MaxJobs,
		KeySize:    b.KeySize,
		IVSize:     b.IVSize,
		OffsetSize: b.OffsetSize,
		TagSize:    b.TagSize,
	}
}

func (b Batch) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalMs) * time.Millisecond
}

func (w Worker) MaxDelay() time.Duration {
	return time.Duration(w.MaxDelayUs) * time.Microsecond
}
