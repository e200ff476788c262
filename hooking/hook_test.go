package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("HookableBase", func() {
	var (
		mockCtrl *gomock.Controller
		hookable *HookableBase
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		hookable = &HookableBase{}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should invoke hooks in registration order", func() {
		hook1 := NewMockHook(mockCtrl)
		hook2 := NewMockHook(mockCtrl)
		pos := &HookPos{Name: "Pos"}
		ctx := HookCtx{Pos: pos, Item: "item"}

		hookable.AcceptHook(hook1)
		hookable.AcceptHook(hook2)

		gomock.InOrder(
			hook1.EXPECT().Func(ctx),
			hook2.EXPECT().Func(ctx),
		)

		hookable.InvokeHook(ctx)

		Expect(hookable.NumHooks()).To(Equal(2))
		Expect(hookable.Hooks()).To(Equal([]Hook{hook1, hook2}))
	})

	It("should panic when a hook is registered twice", func() {
		hook := NewMockHook(mockCtrl)
		hookable.AcceptHook(hook)

		Expect(func() { hookable.AcceptHook(hook) }).To(Panic())
	})
})

var _ = Describe("At", func() {
	It("should only run at its position", func() {
		hookable := &HookableBase{}
		wanted := &HookPos{Name: "Wanted"}
		other := &HookPos{Name: "Other"}

		var items []any
		hookable.AcceptHook(At(wanted, func(ctx HookCtx) {
			items = append(items, ctx.Item)
		}))

		hookable.InvokeHook(HookCtx{Pos: other, Item: 1})
		hookable.InvokeHook(HookCtx{Pos: wanted, Item: 2})

		Expect(items).To(Equal([]any{2}))
	})

	It("should tell hooks apart", func() {
		hookable := &HookableBase{}
		pos := &HookPos{Name: "Pos"}

		hookable.AcceptHook(At(pos, func(HookCtx) {}))
		hookable.AcceptHook(At(pos, func(HookCtx) {}))

		Expect(hookable.NumHooks()).To(Equal(2))
	})
})
