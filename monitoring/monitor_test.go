package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/printhost/dcs/code"
	"github.com/printhost/dcs/hooking"
	"github.com/printhost/dcs/link"
	"github.com/printhost/dcs/model"
	"github.com/printhost/dcs/pipeline"
)

type textDiagnoser string

func (d textDiagnoser) Diagnostics(w io.Writer) error {
	_, err := io.WriteString(w, string(d))
	return err
}

type failingDiagnoser struct{}

func (failingDiagnoser) Diagnostics(io.Writer) error {
	return errors.New("broken")
}

var _ = Describe("Monitor", func() {
	var (
		m     *Monitor
		store *model.Store
	)

	BeforeEach(func() {
		m = NewMonitor()
		store = model.NewStore()
	})

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

		return rec
	}

	It("should not use privileged ports", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(BeZero())

		m.WithPortNumber(8080)
		Expect(m.portNumber).To(Equal(8080))
	})

	It("should write the diagnostics in registration order", func() {
		m.RegisterDiagnoser("Pipeline", textDiagnoser("idle\n"))
		m.RegisterDiagnoser("Link", textDiagnoser("0 bytes\n"))
		m.RegisterDiagnoser("", textDiagnoser("=== Job ===\nno file\n"))

		rsp := get("/api/diagnostics")

		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.String()).To(Equal(
			"=== Pipeline ===\nidle\n=== Link ===\n0 bytes\n=== Job ===\nno file\n"))
	})

	It("should report a failing diagnoser", func() {
		m.RegisterDiagnoser("Job", failingDiagnoser{})

		rsp := get("/api/diagnostics")

		Expect(rsp.Code).To(Equal(http.StatusInternalServerError))
		Expect(rsp.Body.String()).To(ContainSubstring("Job: broken"))
	})

	It("should list no progress bar without a job", func() {
		m.RegisterStore(store)

		rsp := get("/api/progress")

		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.String()).To(Equal("[]"))
	})

	It("should show the progress of the job", func() {
		m.RegisterStore(store)
		store.Update(func(mdl *model.Model) {
			mdl.Job.File = &model.FileInfo{FileName: "0:/gcodes/cube.gcode", Size: 200}
			mdl.Job.FilePosition = 50
			mdl.Job.Paused = true
		})

		rsp := get("/api/progress")
		Expect(rsp.Code).To(Equal(http.StatusOK))

		var bars []*ProgressBar
		Expect(json.Unmarshal(rsp.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("0:/gcodes/cube.gcode"))
		Expect(bars[0].Finished).To(Equal(uint64(50)))
		Expect(bars[0].Total).To(Equal(uint64(200)))
		Expect(bars[0].Paused).To(BeTrue())
		Expect(bars[0].Percent()).To(BeNumerically("~", 25.0))
	})

	It("should serve the object model", func() {
		rsp := get("/api/model")
		Expect(rsp.Code).To(Equal(http.StatusNotFound))

		m.RegisterStore(store)

		rsp = get("/api/model")
		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.Len()).NotTo(BeZero())

		rsp = get("/api/model?depth=zero")
		Expect(rsp.Code).To(Equal(http.StatusBadRequest))
	})

	It("should report resource usage", func() {
		rsp := get("/api/resource")
		Expect(rsp.Code).To(Equal(http.StatusOK))

		var res map[string]any
		Expect(json.Unmarshal(rsp.Body.Bytes(), &res)).To(Succeed())
		Expect(res).To(HaveKey("cpu_percent"))
		Expect(res).To(HaveKey("memory_size"))
	})

	It("should collect a short profile", func() {
		rsp := get("/api/profile?seconds=soon")
		Expect(rsp.Code).To(Equal(http.StatusBadRequest))

		rsp = get("/api/profile?seconds=0.05")
		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(json.Valid(rsp.Body.Bytes())).To(BeTrue())
	})

	It("should serve the status page", func() {
		rsp := get("/")

		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.String()).To(ContainSubstring("dcs monitor"))
	})

	It("should serve until the context is done", func() {
		m.RegisterStore(store)

		addr, err := m.Listen()
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- m.Serve(ctx) }()

		url := fmt.Sprintf("http://%s/api/progress", addr.String())
		Eventually(func() (string, error) {
			rsp, err := http.Get(url)
			if err != nil {
				return "", err
			}
			defer rsp.Body.Close()

			body, err := io.ReadAll(rsp.Body)

			return string(body), err
		}).Should(Equal("[]"))

		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})

var _ = Describe("Metrics", func() {
	var (
		metrics *Metrics
		domain  *hooking.HookableBase
		m       *Monitor
	)

	BeforeEach(func() {
		metrics = NewMetrics()
		domain = &hooking.HookableBase{}
		domain.AcceptHook(metrics)

		m = NewMonitor()
		m.RegisterMetrics(metrics)
	})

	invoke := func(pos *hooking.HookPos, c *code.Code, detail any) {
		domain.InvokeHook(hooking.HookCtx{Domain: domain, Pos: pos, Item: c, Detail: detail})
	}

	It("should count codes and bytes per channel", func() {
		a := code.New(code.USB)
		b := code.New(code.USB)

		invoke(pipeline.HookPosCodeStarted, a, nil)
		invoke(pipeline.HookPosCodeStarted, b, nil)
		Expect(testutil.ToFloat64(metrics.CodesInFlight.WithLabelValues("USB"))).To(Equal(2.0))

		invoke(link.HookPosCodeBuffered, a, 24)
		Expect(testutil.ToFloat64(metrics.BytesBuffered.WithLabelValues("USB"))).To(Equal(24.0))

		invoke(link.HookPosCodeReplied, a, 0)
		Expect(testutil.ToFloat64(metrics.BytesBuffered.WithLabelValues("USB"))).To(BeZero())

		invoke(pipeline.HookPosCodeResolved, a, nil)
		invoke(pipeline.HookPosCodeResolved, b, code.ErrCancelled)
		invoke(pipeline.HookPosCodeResolved, nil, nil)

		Expect(testutil.ToFloat64(metrics.CodesInFlight.WithLabelValues("USB"))).To(BeZero())
		Expect(testutil.ToFloat64(metrics.Codes.WithLabelValues("USB", "Code Started"))).To(Equal(2.0))
		Expect(testutil.ToFloat64(metrics.Resolved.WithLabelValues("USB", "finished"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.Resolved.WithLabelValues("USB", "cancelled"))).To(Equal(1.0))
	})

	It("should be served at /metrics", func() {
		invoke(pipeline.HookPosCodeStarted, code.New(code.HTTP), nil)

		rec := httptest.NewRecorder()
		m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(strings.Contains(rec.Body.String(), `dcs_codes_in_flight{channel="HTTP"} 1`)).To(BeTrue())
	})
})
