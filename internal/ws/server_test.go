package ws

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-dap"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/inspector/config"
	"github.com/bingosuite/inspector/internal/debugger"
	"github.com/bingosuite/inspector/internal/frame"
	"github.com/bingosuite/inspector/internal/sourcemap"
)

// fakeDebugger accepts one backend connection and exposes its request stream.
type fakeDebugger struct {
	ln       net.Listener
	cfg      config.DebuggerConfig
	conns    chan net.Conn
	requests chan string
}

func startFakeDebugger() *fakeDebugger {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = ln.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	p, err := strconv.Atoi(port)
	Expect(err).NotTo(HaveOccurred())

	d := &fakeDebugger{
		ln:       ln,
		cfg:      config.DebuggerConfig{Host: host, Port: p},
		conns:    make(chan net.Conn, 1),
		requests: make(chan string, 16),
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		d.conns <- conn
		r := bufio.NewReader(conn)
		for {
			body, err := dap.ReadBaseMessage(r)
			if err != nil {
				return
			}
			d.requests <- string(body)
		}
	}()
	return d
}

// conn waits for the bridge to dial in. Requests sent before the link
// reports connected are dropped, so it also gives the link a moment to settle.
func (d *fakeDebugger) conn() net.Conn {
	var conn net.Conn
	Eventually(d.conns, 2*time.Second).Should(Receive(&conn))
	DeferCleanup(func() { _ = conn.Close() })
	time.Sleep(100 * time.Millisecond)
	return conn
}

func dialViewer(serverURL string, query string) *websocket.Conn {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = conn.Close() })
	return conn
}

func readText(conn *websocket.Conn) string {
	Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
	_, data, err := conn.ReadMessage()
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

func getSessions(serverURL string) []string {
	resp, err := http.Get(serverURL + "/sessions")
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

	var sessions []string
	Expect(json.NewDecoder(resp.Body).Decode(&sessions)).To(Succeed())
	return sessions
}

var _ = Describe("Server", func() {
	var (
		dbg    *fakeDebugger
		srv    *Server
		server *httptest.Server
	)

	BeforeEach(func() {
		dbg = startFakeDebugger()
		cfg := config.Default().WebSocket
		srv = NewServer("127.0.0.1:0", cfg, func() Backend {
			return debugger.NewLink(dbg.cfg, nil)
		}, sourcemap.NewCache(nil, time.Second, nil), nil)
		server = httptest.NewServer(srv.Handler())

		DeferCleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(srv.Shutdown(ctx)).To(Succeed())
			server.Close()
		})
	})

	It("should list no sessions before a viewer attaches", func() {
		Expect(getSessions(server.URL)).To(BeEmpty())
	})

	It("should bridge viewers to the debugger", func() {
		asker := dialViewer(server.URL, "")
		other := dialViewer(server.URL, "")
		backendConn := dbg.conn()

		Eventually(func() []string { return getSessions(server.URL) }, time.Second).Should(HaveLen(1))

		request := `{"seq":1,"type":"request","command":"backtrace","arguments":{"fromFrame":0}}`
		Expect(asker.WriteMessage(websocket.TextMessage, []byte(request))).To(Succeed())
		Eventually(dbg.requests, 2*time.Second).Should(Receive(Equal(request)))

		response := `{"seq":10,"request_seq":1,"type":"response","command":"backtrace","success":true,"body":{"totalFrames":0}}`
		event := `{"seq":11,"type":"event","event":"break","body":{"sourceLine":4}}`
		_, err := backendConn.Write(append(frame.EncodeRaw([]byte(response)), frame.EncodeRaw([]byte(event))...))
		Expect(err).NotTo(HaveOccurred())

		Expect(readText(asker)).To(Equal(response))
		Expect(readText(asker)).To(Equal(event))
		// The other viewer only sees the broadcast.
		Expect(readText(other)).To(Equal(event))
	})

	It("should join a named session", func() {
		dialViewer(server.URL, "")
		dbg.conn()
		var sessions []string
		Eventually(func() []string {
			sessions = getSessions(server.URL)
			return sessions
		}, time.Second).Should(HaveLen(1))

		second := dialViewer(server.URL, "?session="+sessions[0])
		Expect(getSessions(server.URL)).To(Equal(sessions))

		Expect(second.WriteMessage(websocket.TextMessage, []byte(`{"seq":2,"command":"continue"}`))).To(Succeed())
		Eventually(dbg.requests, 2*time.Second).Should(Receive(Equal(`{"seq":2,"command":"continue"}`)))
	})

	It("should reject an unknown session", func() {
		u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/?session=nope"
		_, resp, err := websocket.DefaultDialer.Dial(u, nil)
		Expect(err).To(HaveOccurred())
		Expect(resp).NotTo(BeNil())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})

	It("should close every viewer when the debugger goes away", func() {
		viewer := dialViewer(server.URL, "")
		backendConn := dbg.conn()
		Eventually(func() []string { return getSessions(server.URL) }, time.Second).Should(HaveLen(1))

		Expect(backendConn.Close()).To(Succeed())

		Expect(viewer.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, _, err := viewer.ReadMessage()
		Expect(websocket.IsCloseError(err, websocket.CloseNormalClosure)).To(BeTrue(), "%v", err)
		Eventually(func() []string { return getSessions(server.URL) }, time.Second).Should(BeEmpty())
	})

	Describe("source map translation", func() {
		mapPayload := `{"version":3,"sources":["a.js"],"mappings":"AAAA,CAAC;AACA"}`
		dataURL := "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(mapPayload))
		compiled := "http://example.com/app.js"

		translate := func(params url.Values) (int, map[string]any) {
			resp, err := http.Get(server.URL + "/sourcemap?" + params.Encode())
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return resp.StatusCode, nil
			}
			var body map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			return resp.StatusCode, body
		}

		It("should map a compiled position to its source", func() {
			status, body := translate(url.Values{"map": {dataURL}, "compiled": {compiled}, "line": {"0"}, "column": {"7"}})
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal(map[string]any{
				"line": float64(0), "column": float64(1),
				"sourceURL": "http://example.com/a.js", "sourceLine": float64(0), "sourceColumn": float64(1),
			}))
		})

		It("should map a source line back to the compiled position", func() {
			status, body := translate(url.Values{"map": {dataURL}, "compiled": {compiled}, "source": {"http://example.com/a.js"}, "line": {"1"}})
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal(map[string]any{"line": float64(1), "column": float64(0)}))
		})

		It("should honour a span limit", func() {
			status, _ := translate(url.Values{"map": {dataURL}, "compiled": {compiled}, "source": {"http://example.com/a.js"}, "line": {"2"}, "span": {"5"}})
			Expect(status).To(Equal(http.StatusNotFound))
		})

		It("should reject bad parameters", func() {
			status, _ := translate(url.Values{"line": {"1"}})
			Expect(status).To(Equal(http.StatusBadRequest))

			status, _ = translate(url.Values{"map": {dataURL}, "line": {"x"}})
			Expect(status).To(Equal(http.StatusBadRequest))
		})

		It("should report maps that cannot be loaded", func() {
			status, _ := translate(url.Values{"map": {"data:application/json;base64,!!!"}, "line": {"0"}})
			Expect(status).To(Equal(http.StatusBadGateway))
		})

		It("should not read local files or echo their content", func() {
			path := filepath.Join(GinkgoT().TempDir(), "secret.map")
			Expect(os.WriteFile(path, []byte(mapPayload), 0o600)).To(Succeed())
			notJSON := filepath.Join(GinkgoT().TempDir(), "passwd")
			Expect(os.WriteFile(notJSON, []byte("root:x:0:0"), 0o600)).To(Succeed())

			for _, target := range []string{"file://" + path, "file://" + notJSON} {
				resp, err := http.Get(server.URL + "/sourcemap?" + url.Values{"map": {target}, "line": {"0"}}.Encode())
				Expect(err).NotTo(HaveOccurred())
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				_ = resp.Body.Close()

				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(strings.TrimSpace(string(body))).To(Equal("failed to load source map"))
			}
		})
	})
})
