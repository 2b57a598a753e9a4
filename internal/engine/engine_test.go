package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Soyunomas/hammer/internal/config"
	"github.com/Soyunomas/hammer/internal/metrics"
	"github.com/Soyunomas/hammer/pkg/crypto"
	"github.com/Soyunomas/hammer/pkg/layout"
	"github.com/Soyunomas/hammer/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSecret = bytes.Repeat([]byte{0x42}, crypto.SecretSize)

// backendFunc atiende una conexión del servidor de origen.
type backendFunc func(c net.Conn)

// upper devuelve en mayúsculas todo lo que recibe.
func upper(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			if _, werr := c.Write(bytes.ToUpper(buf[:n])); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func startBackend(t *testing.T, serve backendFunc) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				serve(c)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return ln.Addr().String()
}

func testConfig(backend string) *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Backend = backend
	cfg.Key = hex.EncodeToString(testSecret)
	cfg.Loops = 2
	cfg.Batch.MaxBytes = 1 << 20
	cfg.Batch.MaxJobs = 32
	cfg.Batch.ReadChunk = 4096
	cfg.Batch.Contexts = 2
	cfg.Batch.Pinned = false
	cfg.Worker.MinJobs = 4
	cfg.Worker.MaxDelayUs = 100
	return cfg
}

type running struct {
	e      *Engine
	m      *metrics.Metrics
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func startEngine(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.NewUnregistered()
	e, err := New(ctx, cfg, zaptest.NewLogger(t), m)
	require.NoError(t, err)

	r := &running{e: e, m: m, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- e.Run(ctx) }()
	return r
}

// testClient habla el protocolo de registros del lado del cliente.
type testClient struct {
	c            net.Conn
	keys         crypto.ConnKeys
	txSeq, rxSeq uint64
}

func dial(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))

	var hello [protocol.HelloSize]byte
	_, err = io.ReadFull(c, hello[:])
	require.NoError(t, err)
	nonce, err := protocol.ParseHello(hello[:])
	require.NoError(t, err)
	keys, err := crypto.DeriveConnKeys(testSecret, nonce, 32)
	require.NoError(t, err)
	return &testClient{c: c, keys: keys}
}

func (tc *testClient) record(plain []byte) ([]byte, error) {
	iv := crypto.RecordIV(nil, tc.keys.RxIV, tc.txSeq)
	tc.txSeq++
	rec := make([]byte, protocol.RecordSize(len(plain), crypto.TagSize))
	if _, err := protocol.EncodeRecordHeader(rec, len(plain)); err != nil {
		return nil, err
	}
	if err := crypto.SealRecord(rec[protocol.HeaderSize:], plain, tc.keys.RxKey, iv); err != nil {
		return nil, err
	}
	return rec, nil
}

func (tc *testClient) send(plain []byte) error {
	rec, err := tc.record(plain)
	if err != nil {
		return err
	}
	_, err = tc.c.Write(rec)
	return err
}

// recv lee registros hasta juntar n bytes de texto plano.
func (tc *testClient) recv(n int) ([]byte, error) {
	var out []byte
	for len(out) < n {
		var hdr [protocol.HeaderSize]byte
		if _, err := io.ReadFull(tc.c, hdr[:]); err != nil {
			return out, err
		}
		if hdr[0] != protocol.MsgTypeData {
			return out, fmt.Errorf("unexpected type 0x%02x", hdr[0])
		}
		length := int(uint32(hdr[1])<<24 | uint32(hdr[2])<<16 | uint32(hdr[3])<<8 | uint32(hdr[4]))
		body := make([]byte, layout.PaddedLength(length, crypto.TagSize))
		if _, err := io.ReadFull(tc.c, body); err != nil {
			return out, err
		}
		iv := crypto.RecordIV(nil, tc.keys.TxIV, tc.rxSeq)
		tc.rxSeq++
		plain, err := crypto.OpenRecord(nil, tc.keys.TxKey, iv, length, body)
		if err != nil {
			return out, err
		}
		out = append(out, plain...)
	}
	return out, nil
}

func TestProxyRoundTrip(t *testing.T) {
	r := startEngine(t, testConfig(startBackend(t, upper)))
	defer r.stop(t)

	tc := dial(t, r.e.Addr())
	for i := range 20 {
		msg := []byte(fmt.Sprintf("mensaje numero %d para el backend", i))
		require.NoError(t, tc.send(msg))
		got, err := tc.recv(len(msg))
		require.NoError(t, err)
		assert.Equal(t, bytes.ToUpper(msg), got)
	}

	require.Eventually(t, func() bool { return r.e.Active() == 1 }, time.Second, 5*time.Millisecond)
	tc.c.Close()
	require.Eventually(t, func() bool { return r.e.Active() == 0 }, 5*time.Second, 5*time.Millisecond)

	assert.Positive(t, testutil.CollectAndCount(r.m.LaunchedBatchesTotal))
	assert.Zero(t, testutil.ToFloat64(r.m.ActiveConnections))
}

func TestProxyManyClients(t *testing.T) {
	r := startEngine(t, testConfig(startBackend(t, upper)))
	defer r.stop(t)

	const clients = 16
	clientsList := make([]*testClient, clients)
	for i := range clientsList {
		clientsList[i] = dial(t, r.e.Addr())
	}

	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i, tc := range clientsList {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Mensajes grandes: varios registros y varios jobs por respuesta.
			msg := bytes.Repeat([]byte(fmt.Sprintf("cliente-%02d;", i)), 2000)
			for range 5 {
				if err := tc.send(msg); err != nil {
					errs <- err
					return
				}
				got, err := tc.recv(len(msg))
				if err != nil {
					errs <- fmt.Errorf("client %d: %w", i, err)
					return
				}
				if !bytes.Equal(bytes.ToUpper(msg), got) {
					errs <- fmt.Errorf("client %d: corrupted response", i)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, tc := range clientsList {
		tc.c.Close()
	}
	require.Eventually(t, func() bool { return r.e.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

// floodOrUpper inunda al cliente si el primer mensaje es "flood"; si no,
// se comporta como upper.
func floodOrUpper(c net.Conn) {
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		return
	}
	if string(buf[:n]) == "flood" {
		chunk := bytes.Repeat([]byte{'x'}, 64<<10)
		for {
			if _, err := c.Write(chunk); err != nil {
				return
			}
		}
	}
	if _, err := c.Write(bytes.ToUpper(buf[:n])); err != nil {
		return
	}
	upper(c)
}

func TestSlowClientDoesNotStallContext(t *testing.T) {
	cfg := testConfig(startBackend(t, floodOrUpper))
	cfg.Loops = 1
	cfg.Batch.Contexts = 1
	r := startEngine(t, cfg)
	defer r.stop(t)

	slow := dial(t, r.e.Addr())
	fast := dial(t, r.e.Addr())

	// slow nunca lee: su socket se llena y el proxy acumula hasta highWater.
	require.NoError(t, slow.send([]byte("flood")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.m.AdmittedBytesTotal.WithLabelValues("dev0")) > highWater
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, fast.c.SetDeadline(time.Now().Add(5*time.Second)))
	for i := range 5 {
		msg := []byte(fmt.Sprintf("hola %d", i))
		require.NoError(t, fast.send(msg))
		got, err := fast.recv(len(msg))
		require.NoError(t, err, "el contexto compartido no debe quedar bloqueado")
		assert.Equal(t, bytes.ToUpper(msg), got)
	}
}

func TestTamperedRecordClosesClient(t *testing.T) {
	r := startEngine(t, testConfig(startBackend(t, upper)))
	defer r.stop(t)

	tc := dial(t, r.e.Addr())
	rec, err := tc.record([]byte("hola"))
	require.NoError(t, err)
	rec[len(rec)-1] ^= 0xff
	_, err = tc.c.Write(rec)
	require.NoError(t, err)

	_, err = tc.recv(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isReset(err), "got %v", err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.m.DecryptErrorsTotal) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.e.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestBackendCloseDrainsBeforeClosing(t *testing.T) {
	greeting := bytes.Repeat([]byte("bienvenido "), 1000)
	addr := startBackend(t, func(c net.Conn) {
		_, _ = c.Write(greeting)
	})
	r := startEngine(t, testConfig(addr))
	defer r.stop(t)

	tc := dial(t, r.e.Addr())
	got, err := tc.recv(len(greeting))
	require.NoError(t, err)
	assert.Equal(t, greeting, got)

	_, err = tc.recv(1)
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return r.e.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestBackendUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	r := startEngine(t, testConfig(addr))
	defer r.stop(t)

	c, err := net.Dial("tcp", r.e.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))

	// Sin backend no hay hello: el proxy cierra.
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	require.Eventually(t, func() bool { return r.e.Active() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestMaxClients(t *testing.T) {
	cfg := testConfig(startBackend(t, upper))
	cfg.MaxClients = 1
	r := startEngine(t, cfg)
	defer r.stop(t)

	first := dial(t, r.e.Addr())
	require.NoError(t, first.send([]byte("uno")))
	got, err := first.recv(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("UNO"), got)

	c, err := net.Dial("tcp", r.e.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err, "el segundo cliente no debe recibir hello")
}

func TestNewRejectsBusyAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig("127.0.0.1:1")
	cfg.Listen = ln.Addr().String()
	require.NoError(t, cfg.Validate())

	_, err = New(context.Background(), cfg, zaptest.NewLogger(t), nil)
	require.Error(t, err)
}

func isReset(err error) bool {
	var op *net.OpError
	return errors.As(err, &op)
}
