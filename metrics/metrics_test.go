package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with a private registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("engine"),
				WithHistogramBuckets([]float64{0.001, 0.01, 0.1}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then every collector is registered there", func() {
				So(manager, ShouldNotBeNil)
				manager.eventsVerified.Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording engine activity", func() {
			before := testutil.ToFloat64(globalManager.accessDecisions.WithLabelValues("level_too_low"))

			So(func() {
				RecordEventAppended("buyer-analysis")
				RecordEventVerified()
				RecordAssessmentRecorded()
				RecordStandingCacheHit()
				RecordStandingCacheMiss()
				ObserveStandingCompute(3 * time.Millisecond)
				RecordMilestoneTransition("first_assessment", "completed")
				RecordSubscriptionTransition("trial", "active")
				RecordBillingEvent("activated", "applied")
				RecordReactionFailure("first_level_up")
				RecordSweep(2, time.Millisecond)
				RecordAccessDecision("level_too_low", time.Microsecond)
				RecordHTTPRequest("/api/users/{id}/standing", "GET", "200", time.Millisecond)
			}, ShouldNotPanic)

			Convey("Then labelled counters advance", func() {
				after := testutil.ToFloat64(globalManager.accessDecisions.WithLabelValues("level_too_low"))
				So(after, ShouldEqual, before+1)
			})
		})
	})
}

func TestMetricsHandler(t *testing.T) {
	Convey("Given the metrics handler", t, func() {
		RecordEventVerified()
		rec := httptest.NewRecorder()
		Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		Convey("Then it exposes engine metrics", func() {
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(strings.Contains(rec.Body.String(), "progression_engine_events_verified_total"), ShouldBeTrue)
		})
	})
}

func TestAuditFailureCounter(t *testing.T) {
	Convey("Given the global manager", t, func() {
		before := testutil.ToFloat64(globalManager.auditFailures.WithLabelValues("milestone"))

		Convey("When an audit write is reported lost", func() {
			RecordAuditFailure("milestone")

			Convey("Then the subject's counter advances", func() {
				So(testutil.ToFloat64(globalManager.auditFailures.WithLabelValues("milestone")), ShouldEqual, before+1)
			})
		})
	})
}
