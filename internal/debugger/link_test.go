package debugger

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/google/go-dap"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/bingosuite/inspector/internal/frame"
)

var _ = Describe("Link", func() {
	var (
		ln   net.Listener
		link *Link
		peer chan net.Conn
	)

	BeforeEach(func() {
		l, cfg := listenBackend()
		ln = l
		link = NewLink(cfg, nil)
		DeferCleanup(link.Close)

		peer = make(chan net.Conn, 1)
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				peer <- conn
			}
		}()
	})

	connect := func() net.Conn {
		Expect(link.Connect(context.Background())).To(Succeed())
		var conn net.Conn
		Eventually(peer, time.Second).Should(Receive(&conn))
		DeferCleanup(func() { _ = conn.Close() })
		return conn
	}

	It("should start disconnected", func() {
		Expect(link.State()).To(Equal(StateDisconnected))
		Expect(link.Connected()).To(BeFalse())
		Consistently(link.Ready()).ShouldNot(BeClosed())
	})

	It("should signal ready once connected", func() {
		connect()
		Expect(link.State()).To(Equal(StateConnected))
		Expect(link.Ready()).To(BeClosed())
	})

	It("should deliver messages in the order they were framed", func() {
		conn := connect()

		handshake := "Type: connect\r\nV8-Version: 3.14.5\r\nContent-Length: 0\r\n\r\n"
		data := append([]byte(handshake), frame.EncodeRaw([]byte(`{"seq":1,"type":"event","event":"break"}`))...)
		data = append(data, frame.EncodeRaw([]byte(`{"seq":2,"request_seq":1,"type":"response","command":"scripts"}`))...)

		// Split mid-frame to exercise reassembly across reads.
		_, err := conn.Write(data[:37])
		Expect(err).NotTo(HaveOccurred())
		time.Sleep(20 * time.Millisecond)
		_, err = conn.Write(data[37:])
		Expect(err).NotTo(HaveOccurred())

		var msg *frame.Message
		Eventually(link.Data(), time.Second).Should(Receive(&msg))
		Expect(msg.Event()).To(Equal("break"))
		Eventually(link.Data(), time.Second).Should(Receive(&msg))
		Expect(msg.Command()).To(Equal("scripts"))
		Expect(msg.RequestSeq()).To(Equal(1))
	})

	It("should frame requests for the backend", func() {
		conn := connect()

		link.Request([]byte(`{"seq":4,"type":"request","command":"backtrace"}`))

		Expect(conn.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		body, err := dap.ReadBaseMessage(bufio.NewReader(conn))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`{"seq":4,"type":"request","command":"backtrace"}`))
	})

	It("should drop requests while disconnected", func() {
		Expect(func() { link.Request([]byte(`{"seq":1}`)) }).NotTo(Panic())
		Expect(link.State()).To(Equal(StateDisconnected))
	})

	It("should keep the link open after an undecodable frame", func() {
		conn := connect()

		data := append(frame.EncodeRaw([]byte(`{"seq":`)), frame.EncodeRaw([]byte(`{"seq":3,"type":"event","event":"afterCompile"}`))...)
		_, err := conn.Write(data)
		Expect(err).NotTo(HaveOccurred())

		var msg *frame.Message
		Eventually(link.Data(), time.Second).Should(Receive(&msg))
		Expect(msg.Seq()).To(Equal(3))
		Expect(link.Connected()).To(BeTrue())
	})

	It("should close when the backend hangs up", func() {
		conn := connect()
		Expect(conn.Close()).To(Succeed())

		Eventually(link.Done(), time.Second).Should(BeClosed())
		Expect(link.State()).To(Equal(StateDisconnected))
	})

	It("should close when a frame exceeds the configured limit", func() {
		link.cfg.MaxFrameSize = 16
		conn := connect()

		_, err := conn.Write(frame.EncodeRaw([]byte(`{"seq":1,"type":"event","event":"break"}`)))
		Expect(err).NotTo(HaveOccurred())

		Eventually(link.Done(), time.Second).Should(BeClosed())
	})

	It("should be safe to close more than once", func() {
		connect()
		link.Close()
		link.Close()
		Expect(link.Done()).To(BeClosed())
	})

	It("should refuse to connect a closed link", func() {
		link.Close()
		err := link.Connect(context.Background())
		Expect(err).To(MatchError(ErrClosed))
	})

	It("should refuse to connect twice", func() {
		connect()
		err := link.Connect(context.Background())
		Expect(err).To(MatchError(ErrClosed))
		Expect(link.Connected()).To(BeTrue())
	})
})

var _ = Describe("Link without a backend", func() {
	It("should close and report the failure when the dial is refused", func() {
		link := NewLink(unusedPort(), nil)

		err := link.Connect(context.Background())
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("failed to connect to debugger"))
		Expect(link.Done()).To(BeClosed())
		Expect(link.Ready()).NotTo(BeClosed())
	})

	It("should retry the configured number of times", func() {
		cfg := unusedPort()
		cfg.ConnectRetries = 2
		link := NewLink(cfg, nil)

		start := time.Now()
		Expect(link.Connect(context.Background())).NotTo(Succeed())
		// Two backoff waits of roughly 200ms and 400ms.
		Expect(time.Since(start)).To(BeNumerically(">=", 450*time.Millisecond))
	})

	It("should give up when the context is cancelled", func() {
		cfg := unusedPort()
		cfg.ConnectRetries = 100
		link := NewLink(cfg, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- link.Connect(ctx) }()
		Eventually(done, 2*time.Second).Should(Receive(HaveOccurred()))
	})
})
