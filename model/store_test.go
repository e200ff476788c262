package model

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/printhost/dcs/code"
)

var _ = Describe("Store", func() {
	var s *Store

	BeforeEach(func() {
		s = NewStore()
	})

	It("should name the inputs after their channels", func() {
		snapshot := s.Snapshot()
		Expect(snapshot.Inputs[code.File].Name).To(Equal("File"))
	})

	It("should signal updates", func() {
		updated := s.Updated()

		s.SetMotionSystemActive(code.HTTP, true)

		Expect(updated).To(BeClosed())
		Expect(s.IsMotionSystemActive(code.HTTP)).To(BeTrue())
		Expect(s.IsMotionSystemActive(code.File)).To(BeFalse())
	})

	It("should release full update waiters", func() {
		done := make(chan error)
		go func() {
			done <- s.WaitForFullUpdate(context.Background())
		}()

		Consistently(done, 20*time.Millisecond).ShouldNot(Receive())
		s.NotifyFullUpdate()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should hand out independent snapshots", func() {
		d := int64(42)
		s.Update(func(m *Model) {
			m.Job.LastDuration = &d
		})

		snapshot := s.Snapshot()
		*snapshot.Job.LastDuration = 1

		Expect(*s.LastDuration()).To(Equal(int64(42)))
	})

	It("should bound the message log", func() {
		for i := 0; i < maxMessages+5; i++ {
			s.AddMessage(code.Message{Content: "m"})
		}

		Expect(s.Snapshot().Messages).To(HaveLen(maxMessages))
	})

	It("should track the startup file flag", func() {
		s.SetRunningConfig(true)
		Expect(s.IsRunningConfig()).To(BeTrue())

		s.SetRunningConfig(false)
		Expect(s.IsRunningConfig()).To(BeFalse())
	})
})
