package link

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/config"
	"github.com/printhost/dcs/gcode"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/pipeline"
)

// scriptMacro runs a fixed list of codes through the pipeline.
type scriptMacro struct {
	fakeMacro

	ctx   context.Context
	pipe  *pipeline.Processor
	ch    code.Channel
	lines []string
}

func (m *scriptMacro) Start() {
	m.fakeMacro.Start()

	go func() {
		failed := false

		for _, line := range m.lines {
			c, err := gcode.Parse(line, m.ch)
			if err != nil {
				failed = true
				break
			}

			c.Macro = m
			c.SetFlags(code.IsFromMacro)

			if _, err := m.pipe.Execute(m.ctx, c); err != nil {
				failed = true
				break
			}
		}

		m.finish(failed)
	}()
}

type scriptFactory struct {
	ctx     context.Context
	pipe    *pipeline.Processor
	scripts map[string][]string

	mu     sync.Mutex
	opened []Macro
}

func (f *scriptFactory) Open(fileName string, ch code.Channel, fromCode bool, startCode *code.Code) Macro {
	f.mu.Lock()
	defer f.mu.Unlock()

	var m Macro
	if lines, ok := f.scripts[fileName]; ok {
		m = &scriptMacro{
			fakeMacro: fakeMacro{name: fileName, fromCode: fromCode, startCode: startCode, executing: true},
			ctx:       f.ctx,
			pipe:      f.pipe,
			ch:        ch,
			lines:     lines,
		}
	} else {
		m = &fakeMacro{name: fileName, fromCode: fromCode, startCode: startCode, executing: true}
	}

	f.opened = append(f.opened, m)

	return m
}

func (f *scriptFactory) macro(i int) Macro {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.opened[i]
}

func (f *scriptFactory) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for _, m := range f.opened {
		names = append(names, m.FileName())
	}

	return names
}

var _ = Describe("Loopback", func() {
	var (
		ignore   goleak.Option
		ctx      context.Context
		cancel   context.CancelFunc
		pipe     *pipeline.Processor
		store    *model.Store
		macros   *scriptFactory
		loopback *Loopback
		manager  *Manager
		wg       sync.WaitGroup
	)

	execute := func(ch code.Channel, text string) (*code.Message, error) {
		c, err := gcode.Parse(text, ch)
		Expect(err).NotTo(HaveOccurred())

		execCtx, execCancel := context.WithTimeout(ctx, 5*time.Second)
		defer execCancel()

		return pipe.Execute(execCtx, c)
	}

	BeforeEach(func() {
		ignore = goleak.IgnoreCurrent()

		ctx, cancel = context.WithCancel(context.Background())
		pipe = pipeline.MakeBuilder().Build(ctx)
		store = model.NewStore()
		macros = &scriptFactory{
			ctx:  ctx,
			pipe: pipe,
			scripts: map[string][]string{
				"homeall.g":  {"G91", "G1 H1 Z5", "G1 H1 X-240 Y-240", "G90"},
				"trigger2.g": {"M400"},
			},
		}

		settings := config.Default()
		settings.TickInterval = time.Millisecond

		loopback = NewLoopback(2, zap.NewNop())
		manager = MakeBuilder().
			WithTransport(loopback).
			WithPipeline(pipe).
			WithStore(store).
			WithMacroFactory(macros).
			WithSettings(settings).
			Build(ctx)
		loopback.Bind(manager)

		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = loopback.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = manager.Run(ctx)
		}()
	})

	AfterEach(func() {
		cancel()
		wg.Wait()
		pipe.Shutdown()

		goleak.VerifyNone(GinkgoT(), ignore)
	})

	It("should answer codes", func() {
		msg, err := execute(code.HTTP, "M115")
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Content).To(ContainSubstring("FIRMWARE_NAME: loopback"))
	})

	It("should run the macros a code asks for", func() {
		msg, err := execute(code.HTTP, "G28")
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Type).To(Equal(code.Success))

		Expect(macros.names()).To(Equal([]string{"homeall.g"}))
		Eventually(manager.Channel(code.HTTP).Depth).Should(Equal(1))
		Expect(manager.Channel(code.HTTP).BytesBuffered()).To(BeZero())
	})

	It("should run macros the firmware asks for", func() {
		loopback.RequestMacro(code.Trigger, "trigger2.g")

		Eventually(macros.names).Should(Equal([]string{"trigger2.g"}))
		Eventually(manager.Channel(code.Trigger).Depth).Should(Equal(1))
	})

	It("should wait for message boxes to be acknowledged", func() {
		_, err := execute(code.HTTP, `M291 P"Insert filament" S2`)
		Expect(err).NotTo(HaveOccurred())

		Eventually(manager.Channel(code.HTTP).IsWaitingForAcknowledgment).Should(BeTrue())

		manager.MessageAcknowledged(code.HTTP)
		Expect(manager.Channel(code.HTTP).IsWaitingForAcknowledgment()).To(BeFalse())
	})

	It("should abort a macro when the firmware aborts the file", func() {
		loopback.RequestMacro(code.File, "stalled.g")
		Eventually(manager.Channel(code.File).Depth).Should(Equal(2))

		loopback.AbortFiles(code.File, false)

		Eventually(manager.Channel(code.File).Depth).Should(Equal(1))
		Expect(macros.macro(0).IsAborted()).To(BeTrue())
	})

	It("should pass notifications on", func() {
		info := model.FileInfo{FileName: "0:/gcodes/benchy.gcode"}

		manager.SetPrintFileInfo(info)
		Eventually(func() string {
			f, _ := loopback.PrintFile()
			return f.FileName
		}).Should(Equal(info.FileName))

		manager.StopPrint(model.StopNormal)
		Eventually(func() bool {
			_, ok := loopback.PrintFile()
			return ok
		}).Should(BeFalse())

		manager.SendMessage(FlagsFor(code.HTTP, code.Success), "hello")
		Eventually(loopback.Messages).Should(Equal([]string{"hello"}))
	})

	It("should report how long a print took", func() {
		loopback.UpdateModel(store)

		manager.SetPrintFileInfo(model.FileInfo{FileName: "0:/gcodes/cube.gcode"})
		Eventually(func() bool {
			_, ok := loopback.PrintFile()
			return ok
		}).Should(BeTrue())

		manager.StopPrint(model.StopNormal)
		Eventually(store.LastDuration).ShouldNot(BeNil())
		Expect(*store.LastDuration()).To(BeNumerically(">=", 0))
	})

	It("should refresh the object model", func() {
		loopback.UpdateModel(store)

		waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
		defer waitCancel()

		Expect(store.WaitForFullUpdate(waitCtx)).To(Succeed())
	})
})
