package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTryOnServer 模拟 gradio 风格的换装服务：
// /upload 收 multipart 返回服务端路径，/queue/join 受理任务，
// /queue/data 以 SSE 行帧推送事件直到 process_completed。
// 同时记录 join 到事件流结束之间的并发会话数，用于验证串行化。
type fakeTryOnServer struct {
	srv        *httptest.Server
	active     int32
	maxActive  int32
	swapsDone  int32
	dataEvents string
}

func newFakeTryOnServer(t *testing.T) *fakeTryOnServer {
	f := &fakeTryOnServer{
		dataEvents: `data: {"msg":"estimation","rank":0}` + "\n\n" +
			`data: {"msg":"process_starts"}` + "\n\n" +
			`data: {"msg":"process_completed","success":true,"output":{"data":[{"path":"tmp/output.png"}]}}` + "\n",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-image-bytes"))
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			http.Error(w, "no files", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `["tmp/upload/%s"]`, files[0].Filename)
	})
	mux.HandleFunc("/queue/join", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.active, 1)
		for {
			max := atomic.LoadInt32(&f.maxActive)
			if n <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, n) {
				break
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/queue/data", func(w http.ResponseWriter, r *http.Request) {
		// 拉长临界区窗口，放大并发会话的暴露概率
		time.Sleep(30 * time.Millisecond)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, f.dataEvents)
		atomic.AddInt32(&f.active, -1)
		atomic.AddInt32(&f.swapsDone, 1)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func TestSwapCompletesFullSequence(t *testing.T) {
	f := newFakeTryOnServer(t)
	c := NewTryOnClient(f.srv.URL)

	out, err := c.Swap(context.Background(), f.srv.URL+"/img/person.png", f.srv.URL+"/img/garment.png")
	require.NoError(t, err)
	assert.Equal(t, f.srv.URL+"/file=tmp/output.png", out)
}

func TestSwapSerializesConcurrentCalls(t *testing.T) {
	// 换装后端是单会话的：并发 Swap 必须被全局锁串行化，
	// 服务端观察到的并发会话数恒为 1
	f := newFakeTryOnServer(t)
	c := NewTryOnClient(f.srv.URL)

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Swap(context.Background(), f.srv.URL+"/img/person.png", f.srv.URL+"/img/garment.png")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}
	assert.Equal(t, int32(workers), atomic.LoadInt32(&f.swapsDone))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.maxActive), "at most one session in flight")
}

func TestSwapReportsVendorFailure(t *testing.T) {
	f := newFakeTryOnServer(t)
	f.dataEvents = `data: {"msg":"process_completed","success":false,"detail":"GPU OOM"}` + "\n"
	c := NewTryOnClient(f.srv.URL)

	_, err := c.Swap(context.Background(), f.srv.URL+"/img/person.png", f.srv.URL+"/img/garment.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GPU OOM")
}

func TestSwapQueueFull(t *testing.T) {
	f := newFakeTryOnServer(t)
	f.dataEvents = `data: {"msg":"queue_full"}` + "\n"
	c := NewTryOnClient(f.srv.URL)

	_, err := c.Swap(context.Background(), f.srv.URL+"/img/person.png", f.srv.URL+"/img/garment.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "队列已满")
}

func TestSwapStreamEndsWithoutCompletion(t *testing.T) {
	f := newFakeTryOnServer(t)
	f.dataEvents = `data: {"msg":"estimation"}` + "\n"
	c := NewTryOnClient(f.srv.URL)

	_, err := c.Swap(context.Background(), f.srv.URL+"/img/person.png", f.srv.URL+"/img/garment.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed before completion")
}

func TestSwapFallsBackToOutputName(t *testing.T) {
	// 老版本服务在 data[0].name 里给路径
	f := newFakeTryOnServer(t)
	f.dataEvents = `data: {"msg":"process_completed","success":true,"output":{"data":[{"name":"tmp/legacy.png"}]}}` + "\n"
	c := NewTryOnClient(f.srv.URL)

	out, err := c.Swap(context.Background(), f.srv.URL+"/img/person.png", f.srv.URL+"/img/garment.png")
	require.NoError(t, err)
	assert.Equal(t, f.srv.URL+"/file=tmp/legacy.png", out)
}
