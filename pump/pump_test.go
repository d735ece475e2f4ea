package pump

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedReader serves the bytes in data back to the caller split according
// to chunkSizes, to exercise the pump's handling of partial reads.
type chunkedReader struct {
	mu         sync.Mutex
	data       []byte
	chunkSizes []int
	pos        int
	chunkIdx   int
	err        error // returned once data is exhausted
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos >= len(r.data) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}

	n := len(p)
	if r.chunkIdx < len(r.chunkSizes) {
		if r.chunkSizes[r.chunkIdx] < n {
			n = r.chunkSizes[r.chunkIdx]
		}
		r.chunkIdx++
	}
	if r.pos+n > len(r.data) {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}

func TestPumpAssemblesPartialReads(t *testing.T) {
	data := []byte("hello, world!!!!")
	reader := &chunkedReader{data: data, chunkSizes: []int{3, 1, 5, 100}}
	p := New(reader, nil)
	defer p.Dispose()

	done := make(chan struct{})
	buf := make([]byte, len(data))
	err := p.BeginRead(buf, len(data), func(h Handle, out []byte, state interface{}, err error) {
		defer close(done)
		require.NoError(t, err)
		assert.Equal(t, data, out)
		p.EndRead(h)
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestPumpServicesRequestsInFIFOOrder(t *testing.T) {
	data := []byte("abcdef")
	reader := &chunkedReader{data: data}
	p := New(reader, nil)
	defer p.Dispose()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	wg.Add(1)
	buf1 := make([]byte, 3)
	require.NoError(t, p.BeginRead(buf1, 3, func(h Handle, out []byte, state interface{}, err error) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		p.EndRead(h)
		wg.Done()
	}, nil))

	wg.Add(1)
	buf2 := make([]byte, 3)
	require.NoError(t, p.BeginRead(buf2, 3, func(h Handle, out []byte, state interface{}, err error) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		p.EndRead(h)
		wg.Done()
	}, nil))

	wg.Wait()
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []byte("abc"), buf1)
	assert.Equal(t, []byte("def"), buf2)
}

func TestPumpGateBlocksNextRequestUntilEndRead(t *testing.T) {
	data := []byte("abcdef")
	reader := &chunkedReader{data: data}
	p := New(reader, nil)
	defer p.Dispose()

	release := make(chan struct{})
	secondStarted := make(chan struct{})

	buf1 := make([]byte, 3)
	require.NoError(t, p.BeginRead(buf1, 3, func(h Handle, out []byte, state interface{}, err error) {
		<-release
		p.EndRead(h)
	}, nil))

	buf2 := make([]byte, 3)
	require.NoError(t, p.BeginRead(buf2, 3, func(h Handle, out []byte, state interface{}, err error) {
		close(secondStarted)
		p.EndRead(h)
	}, nil))

	select {
	case <-secondStarted:
		t.Fatal("second completion ran before first was acknowledged")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-secondStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("second completion never ran")
	}
}

func TestPumpEmitsDisconnectedOnEOF(t *testing.T) {
	reader := &chunkedReader{data: []byte{}}
	var called int
	var mu sync.Mutex
	done := make(chan struct{})

	p := New(reader, func() {
		mu.Lock()
		called++
		mu.Unlock()
		close(done)
	})
	defer p.Dispose()

	buf := make([]byte, 4)
	require.NoError(t, p.BeginRead(buf, 4, func(h Handle, out []byte, state interface{}, err error) {
		assert.True(t, errors.Is(err, io.EOF))
	}, nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}

	mu.Lock()
	assert.Equal(t, 1, called)
	mu.Unlock()
}

func TestBeginReadFailsAfterDispose(t *testing.T) {
	reader := &chunkedReader{data: []byte("x")}
	p := New(reader, nil)
	p.Dispose()

	err := p.BeginRead(make([]byte, 1), 1, func(h Handle, out []byte, state interface{}, err error) {}, nil)
	assert.ErrorIs(t, err, ErrDisposed)
}
