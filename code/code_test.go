package code

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Code", func() {
	var c *Code

	BeforeEach(func() {
		c = New(File)
		c.Kind = G
		c.Major = 1
		c.Parameters = []Parameter{
			{Letter: 'X', Value: "10"},
			{Letter: 'Y', Value: "2.5"},
		}
	})

	It("should format itself", func() {
		Expect(c.ShortString()).To(Equal("G1"))
		Expect(c.String()).To(Equal("G1 X10 Y2.5"))

		c.Minor = 1
		c.Comment = "move"
		Expect(c.String()).To(Equal("G1.1 X10 Y2.5 ;move"))
	})

	It("should quote string parameters", func() {
		p := Parameter{Letter: 'P', Value: "pause.g", IsString: true}
		Expect(p.String()).To(Equal(`P"pause.g"`))
	})

	It("should look up parameters", func() {
		p, ok := c.Param('Y')
		Expect(ok).To(BeTrue())

		f, err := p.Float()
		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(Equal(2.5))

		_, ok = c.Param('Z')
		Expect(ok).To(BeFalse())
	})

	It("should deliver the result to a waiter", func() {
		c.Result = NewMessage(Success, "ok")
		go c.SetFinished()

		msg, err := c.Wait(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.Content).To(Equal("ok"))
	})

	It("should report cancellation", func() {
		c.Result = NewMessage(Success, "stale")
		c.SetCancelled()

		msg, err := c.Wait(context.Background())
		Expect(err).To(MatchError(ErrCancelled))
		Expect(msg).To(BeNil())
		Expect(c.Result).To(BeNil())
	})

	It("should report faults", func() {
		fault := errors.New("handler failed")
		c.SetError(fault)

		_, err := c.Wait(context.Background())
		Expect(err).To(MatchError(fault))
	})

	It("should panic when resolved twice", func() {
		c.SetFinished()
		Expect(func() { c.SetCancelled() }).To(Panic())
	})

	It("should stop waiting when the context is done", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := c.Wait(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("should run resolve callbacks once", func() {
		calls := 0
		c.AfterResolve(func() { calls++ })
		c.SetFinished()
		c.AfterResolve(func() { calls++ })

		Expect(calls).To(Equal(2))
	})

	It("should only add flags", func() {
		c.SetFlags(IsFromMacro)
		c.SetFlags(IsPreProcessed)

		Expect(c.Flags.Has(IsFromMacro | IsPreProcessed)).To(BeTrue())
		Expect(c.Flags.String()).To(Equal("IsPreProcessed|IsFromMacro"))
	})

	It("should be reusable after reset", func() {
		oldID := c.ID
		c.SetFlags(IsFromMacro)
		c.SetFinished()

		c.Reset()

		Expect(c.ID).NotTo(Equal(oldID))
		Expect(c.Flags).To(Equal(Flags(0)))
		Expect(c.Channel).To(Equal(File))
		Expect(c.IsResolved()).To(BeFalse())
		Expect(c.Parameters).To(BeEmpty())
	})

	It("should follow its context", func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.SetContext(ctx)
		Expect(c.IsCancelled()).To(BeFalse())

		cancel()
		Expect(c.IsCancelled()).To(BeTrue())
	})
})

var _ = Describe("Channel", func() {
	It("should parse names", func() {
		ch, err := ParseChannel("file")
		Expect(err).NotTo(HaveOccurred())
		Expect(ch).To(Equal(File))

		_, err = ParseChannel("nowhere")
		Expect(err).To(HaveOccurred())
	})

	It("should classify channels", func() {
		Expect(Queue2.IsQueue()).To(BeTrue())
		Expect(File2.IsFile()).To(BeTrue())
		Expect(HTTP.IsFile()).To(BeFalse())
		Expect(Channels()).To(HaveLen(NumChannels))
	})
})

var _ = Describe("Message", func() {
	It("should prefix warnings and errors", func() {
		Expect(NewMessage(Error, "bad").String()).To(Equal("Error: bad"))
		Expect(NewMessage(Warning, "hm").String()).To(Equal("Warning: hm"))
		Expect(NewMessage(Success, "ok").String()).To(Equal("ok"))
	})

	It("should append lines", func() {
		m := NewMessage(Success, "")
		m.Append("a")
		m.Append("b")
		Expect(m.Content).To(Equal("a\nb"))
	})
})
