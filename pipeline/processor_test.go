package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
)

type testMacro struct {
	name string
}

func (m *testMacro) FileName() string {
	return m.name
}

func newCode(ch code.Channel, kind code.Kind, major int) *code.Code {
	c := code.New(ch)
	c.Kind = kind
	c.Major = major

	return c
}

type resolutionLog struct {
	mu    sync.Mutex
	names []string
}

func (l *resolutionLog) track(c *code.Code) {
	name := c.ShortString()
	c.AfterResolve(func() {
		l.mu.Lock()
		defer l.mu.Unlock()

		l.names = append(l.names, name)
	})
}

func (l *resolutionLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.names...)
}

// serveFirmware plays the firmware link: it completes the codes that reach the
// innermost Firmware frame of a channel, unless accept says to hold them.
func serveFirmware(
	ctx context.Context,
	p *Processor,
	ch code.Channel,
	accept func(c *code.Code) bool,
) {
	go func() {
		for ctx.Err() == nil {
			item := p.Channel(ch).Firmware()

			c, ok := item.Peek()
			if !ok || (accept != nil && !accept(c)) {
				if !ok {
					item.TrySetIdle()
				}

				time.Sleep(time.Millisecond)

				continue
			}

			item.Take()

			if c.Result == nil {
				c.Result = code.NewMessage(code.Success, "")
			}

			c.SetFlags(code.IsPostProcessed)
			p.CodeCompleted(c)
		}
	}()
}

type recordingHook struct {
	mu        sync.Mutex
	positions []*hooking.HookPos
}

func (h *recordingHook) Func(ctx hooking.HookCtx) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.positions = append(h.positions, ctx.Pos)
}

func (h *recordingHook) recorded() []*hooking.HookPos {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*hooking.HookPos(nil), h.positions...)
}

var _ = Describe("Processor", func() {
	var (
		mockCtrl    *gomock.Controller
		interceptor *MockInterceptor
		local       *MockLocalProcessor
		ctx         context.Context
		cancel      context.CancelFunc
		processor   *Processor
	)

	passThrough := func() {
		interceptor.EXPECT().
			Intercept(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(false, nil).
			AnyTimes()
		local.EXPECT().
			Process(gomock.Any(), gomock.Any()).
			Return(false, nil).
			AnyTimes()
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		interceptor = NewMockInterceptor(mockCtrl)
		local = NewMockLocalProcessor(mockCtrl)
		ctx, cancel = context.WithCancel(context.Background())
		processor = MakeBuilder().
			WithInterceptor(interceptor).
			WithLocalProcessor(local).
			WithMaxCodesPerInput(4).
			Build(ctx)
	})

	AfterEach(func() {
		cancel()
		processor.Shutdown()
		mockCtrl.Finish()
	})

	It("should resolve the codes of a channel in submission order", func() {
		passThrough()
		serveFirmware(ctx, processor, code.File, nil)

		log := &resolutionLog{}
		codes := []*code.Code{
			newCode(code.File, code.G, 1),
			newCode(code.File, code.G, 28),
			newCode(code.File, code.M, 400),
		}

		for _, c := range codes {
			log.track(c)
			Expect(processor.Start(ctx, c)).To(Succeed())
		}

		for _, c := range codes {
			msg, err := c.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Type).To(Equal(code.Success))
		}

		Expect(log.order()).To(Equal([]string{"G1", "G28", "M400"}))
	})

	It("should keep order under backpressure", func() {
		passThrough()
		serveFirmware(ctx, processor, code.USB, nil)

		log := &resolutionLog{}
		var expected []string
		var codes []*code.Code

		for i := 0; i < 40; i++ {
			c := newCode(code.USB, code.G, i)
			log.track(c)
			codes = append(codes, c)
			expected = append(expected, c.ShortString())

			Expect(processor.Start(ctx, c)).To(Succeed())
		}

		for _, c := range codes {
			_, err := c.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(log.order()).To(Equal(expected))
	})

	It("should skip the remaining stages when a code is intercepted", func() {
		interceptor.EXPECT().
			Intercept(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, c *code.Code, mode InterceptionMode) (bool, error) {
				if mode == InterceptPre {
					c.Result = code.NewMessage(code.Success, "handled")
					return true, nil
				}

				return false, nil
			}).
			AnyTimes()

		c := newCode(code.HTTP, code.M, 117)
		msg, err := processor.Execute(ctx, c)

		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Content).To(Equal("handled"))
		Expect(c.Flags.Has(code.IsPreProcessed)).To(BeTrue())
		Expect(c.Flags.Has(code.IsInternallyProcessed)).To(BeFalse())
	})

	It("should contain a failing code and carry on", func() {
		interceptor.EXPECT().
			Intercept(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(false, nil).
			AnyTimes()
		local.EXPECT().
			Process(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, c *code.Code) (bool, error) {
				switch c.Major {
				case 1:
					return false, errors.New("boom")
				case 2:
					panic("handler bug")
				}

				c.Result = code.NewMessage(code.Success, "done")

				return true, nil
			}).
			AnyTimes()

		failing := newCode(code.Telnet, code.M, 1)
		panicking := newCode(code.Telnet, code.M, 2)
		fine := newCode(code.Telnet, code.M, 3)

		Expect(processor.Start(ctx, failing)).To(Succeed())
		Expect(processor.Start(ctx, panicking)).To(Succeed())
		Expect(processor.Start(ctx, fine)).To(Succeed())

		_, err := failing.Wait(ctx)
		Expect(err).To(MatchError("boom"))

		_, err = panicking.Wait(ctx)
		Expect(err).To(MatchError(ContainSubstring("handler bug")))

		msg, err := fine.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Content).To(Equal("done"))
	})

	It("should prefix errors produced before the firmware", func() {
		interceptor.EXPECT().
			Intercept(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(false, nil).
			AnyTimes()
		local.EXPECT().
			Process(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, c *code.Code) (bool, error) {
				c.Result = code.NewMessage(code.Error, "bad parameter")
				return true, nil
			})

		msg, err := processor.Execute(ctx, newCode(code.HTTP, code.M, 999))

		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Content).To(Equal("M999: bad parameter"))
	})

	It("should cancel codes whose context is done", func() {
		passThrough()

		codeCtx, codeCancel := context.WithCancel(ctx)
		codeCancel()

		c := newCode(code.HTTP, code.G, 1)
		c.SetContext(codeCtx)

		_, err := processor.Execute(ctx, c)
		Expect(err).To(MatchError(code.ErrCancelled))
	})

	It("should hold codes back until an unbuffered code is done", func() {
		var mu sync.Mutex
		var seen []string

		interceptor.EXPECT().
			Intercept(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, c *code.Code, mode InterceptionMode) (bool, error) {
				if mode == InterceptPre {
					mu.Lock()
					seen = append(seen, c.ShortString())
					mu.Unlock()
				}

				return false, nil
			}).
			AnyTimes()
		local.EXPECT().Process(gomock.Any(), gomock.Any()).Return(false, nil).AnyTimes()

		release := make(chan struct{})
		serveFirmware(ctx, processor, code.HTTP, func(c *code.Code) bool {
			if !c.Flags.Has(code.Unbuffered) {
				return true
			}

			select {
			case <-release:
				return true
			default:
				return false
			}
		})

		seenNow := func() []string {
			mu.Lock()
			defer mu.Unlock()

			return append([]string(nil), seen...)
		}

		unbuffered := newCode(code.HTTP, code.M, 400)
		unbuffered.SetFlags(code.Unbuffered)
		prioritized := newCode(code.HTTP, code.M, 112)
		prioritized.SetFlags(code.IsPrioritized)
		regular := newCode(code.HTTP, code.G, 1)

		Expect(processor.Start(ctx, unbuffered)).To(Succeed())
		Expect(processor.Start(ctx, prioritized)).To(Succeed())
		Expect(processor.Start(ctx, regular)).To(Succeed())

		Eventually(seenNow).Should(Equal([]string{"M400", "M112"}))
		Consistently(seenNow, 50*time.Millisecond).Should(HaveLen(2))

		close(release)

		for _, c := range []*code.Code{unbuffered, prioritized, regular} {
			_, err := c.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(seenNow()).To(Equal([]string{"M400", "M112", "G1"}))
	})

	It("should finish a pushed frame before the frame beneath", func() {
		passThrough()
		serveFirmware(ctx, processor, code.HTTP, nil)

		macro := &testMacro{name: "pause.g"}
		processor.Push(code.HTTP, macro)

		log := &resolutionLog{}
		base := newCode(code.HTTP, code.G, 1)
		log.track(base)
		Expect(processor.Start(ctx, base)).To(Succeed())

		var macroCodes []*code.Code
		for _, major := range []int{91, 1, 90} {
			c := newCode(code.HTTP, code.G, major)
			c.Macro = macro
			c.SetFlags(code.IsFromMacro)
			log.track(c)
			macroCodes = append(macroCodes, c)

			Expect(processor.Start(ctx, c)).To(Succeed())
		}

		for _, c := range macroCodes {
			_, err := c.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
		}

		Consistently(base.Done(), 30*time.Millisecond).ShouldNot(BeClosed())
		Expect(processor.Channel(code.HTTP).Depth()).To(Equal(2))

		Expect(processor.Pop(code.HTTP)).To(BeEmpty())

		_, err := base.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(log.order()).To(Equal([]string{"G91", "G1", "G90", "G1"}))
	})

	It("should cancel codes without a frame", func() {
		passThrough()

		c := newCode(code.HTTP, code.G, 1)
		c.Macro = &testMacro{name: "gone.g"}

		_, err := processor.Execute(ctx, c)
		Expect(err).To(MatchError(code.ErrCancelled))
	})

	It("should cancel everything left in a popped frame", func() {
		interceptor.EXPECT().
			Intercept(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, c *code.Code, mode InterceptionMode) (bool, error) {
				if mode == InterceptPre && c.Macro != nil {
					<-ctx.Done()
					return false, ctx.Err()
				}

				return false, nil
			}).
			AnyTimes()
		local.EXPECT().Process(gomock.Any(), gomock.Any()).Return(false, nil).AnyTimes()

		macro := &testMacro{name: "homeall.g"}
		processor.Push(code.Aux, macro)

		var codes []*code.Code
		for i := 0; i < 3; i++ {
			c := newCode(code.Aux, code.G, i)
			c.Macro = macro
			codes = append(codes, c)

			Expect(processor.Start(ctx, c)).To(Succeed())
		}

		Eventually(func() int {
			return processor.Channel(code.Aux).Pipeline(code.StagePre).Top().Len()
		}).Should(Equal(2))

		pending := processor.Pop(code.Aux)
		Expect(pending).To(BeEmpty())

		for _, c := range codes {
			_, err := c.Wait(ctx)
			Expect(err).To(MatchError(code.ErrCancelled))
		}
	})

	It("should hand back the codes waiting for the firmware on pop", func() {
		passThrough()

		macro := &testMacro{name: "pause.g"}
		processor.Push(code.HTTP, macro)

		for i := 0; i < 2; i++ {
			c := newCode(code.HTTP, code.G, i)
			c.Macro = macro
			Expect(processor.Start(ctx, c)).To(Succeed())
		}

		Eventually(func() int {
			return processor.Channel(code.HTTP).Firmware().Len()
		}).Should(Equal(2))

		pending := processor.Pop(code.HTTP)
		Expect(pending).To(HaveLen(2))

		for _, c := range pending {
			processor.CancelCode(c, nil)

			_, err := c.Wait(ctx)
			Expect(err).To(MatchError(code.ErrCancelled))
		}
	})

	It("should never pop the base frame", func() {
		Expect(func() { processor.Pop(code.HTTP) }).To(Panic())
	})

	It("should flush through the firmware link", func() {
		link := NewMockFirmwareLink(mockCtrl)
		processor.SetFirmwareLink(link)

		link.EXPECT().Flush(gomock.Any(), code.HTTP, nil).Return(true, nil)
		ok, err := processor.FlushChannel(ctx, code.HTTP)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		link.EXPECT().Flush(gomock.Any(), code.HTTP, nil).Return(false, nil)
		ok, err = processor.FlushChannel(ctx, code.HTTP)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should flush once all earlier codes are done", func() {
		passThrough()
		serveFirmware(ctx, processor, code.LCD, nil)

		var codes []*code.Code
		for i := 0; i < 5; i++ {
			c := newCode(code.LCD, code.G, i)
			codes = append(codes, c)
			Expect(processor.Start(ctx, c)).To(Succeed())
		}

		ok, err := processor.FlushChannel(ctx, code.LCD)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		for _, c := range codes {
			Expect(c.IsResolved()).To(BeTrue())
		}

		Expect(processor.Channel(code.LCD).IsIdle(nil)).To(BeTrue())
	})

	It("should stop flushing when the context is done", func() {
		passThrough()

		Expect(processor.Start(ctx, newCode(code.LCD, code.G, 1))).To(Succeed())

		flushCtx, flushCancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer flushCancel()

		_, err := processor.FlushChannel(flushCtx, code.LCD)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should wrap replies in Marlin emulation", func() {
		passThrough()
		serveFirmware(ctx, processor, code.USB, nil)
		processor.SetEmulation(code.USB, EmulationMarlin)

		msg, err := processor.Execute(ctx, newCode(code.USB, code.G, 28))
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Content).To(Equal("ok\n"))
	})

	It("should invoke hooks when codes start and resolve", func() {
		passThrough()
		serveFirmware(ctx, processor, code.HTTP, nil)

		hook := &recordingHook{}
		processor.AcceptHook(hook)

		_, err := processor.Execute(ctx, newCode(code.HTTP, code.G, 4))
		Expect(err).NotTo(HaveOccurred())

		Eventually(hook.recorded).Should(ConsistOf(
			HookPosCodeStarted, HookPosFirmwareQueued, HookPosCodeResolved,
		))
		Expect(hook.recorded()[0]).To(BeIdenticalTo(HookPosCodeStarted))
	})

	It("should describe busy channels", func() {
		processor.Push(code.Trigger, &testMacro{name: "trigger2.g"})

		var b strings.Builder
		Expect(processor.Diagnostics(&b)).To(Succeed())

		Expect(b.String()).To(ContainSubstring("Trigger (depth 2)"))
		Expect(b.String()).To(ContainSubstring("trigger2.g"))
		Expect(b.String()).NotTo(ContainSubstring("HTTP"))
	})

	It("should reject codes on unknown channels", func() {
		Expect(processor.Start(ctx, newCode(code.Channel(99), code.G, 1))).To(HaveOccurred())
	})
})

var _ = Describe("Processor shutdown", func() {
	It("should stop every goroutine and cancel waiting codes", func() {
		ignore := goleak.IgnoreCurrent()

		ctx, cancel := context.WithCancel(context.Background())
		p := MakeBuilder().Build(ctx)
		p.Push(code.Aux, &testMacro{name: "x.g"})

		c := newCode(code.Aux, code.G, 1)
		Expect(p.Start(ctx, c)).To(Succeed())

		cancel()
		p.Shutdown()

		_, err := c.Wait(context.Background())
		Expect(err).To(MatchError(code.ErrCancelled))

		goleak.VerifyNone(GinkgoT(), ignore)
	})
})
