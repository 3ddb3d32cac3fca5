package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_sessions_started_total",
		Help: "Total number of customer sessions started",
	})

	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_sessions_ended_total",
		Help: "Total number of customer sessions ended",
	}, []string{"outcome"})

	MoneyInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_money_inserted_total",
		Help: "Total amount of money accepted by the remote ledger",
	})

	ChangeReturnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_change_returned_total",
		Help: "Total amount of change returned to customers",
	})

	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_purchases_total",
		Help: "Total number of purchase attempts by outcome",
	}, []string{"outcome"})

	ItemsSoldTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_items_sold_total",
		Help: "Total number of units confirmed by the remote service",
	}, []string{"item"})

	OperationsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_operations_rejected_total",
		Help: "Total number of controller operations rejected",
	}, []string{"op", "kind"})

	SessionBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_session_balance",
		Help: "Last known server balance of the current session",
	})

	KioskStage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiosk_stage",
		Help: "Screen currently shown (0 welcome, 1 shopping, 2 dispensing, 3 thank you)",
	})

	RemoteCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kiosk_remote_call_latency_seconds",
		Help:    "Latency of calls to the remote inventory/ledger service",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	RemoteCallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_remote_call_errors_total",
		Help: "Total number of failed calls to the remote service",
	}, []string{"op", "reason"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiosk_events_published_total",
		Help: "Total number of kiosk events handed to the broker by outcome",
	}, []string{"outcome"})

	SalesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiosk_sales_recorded_total",
		Help: "Total number of sale lines written to the history store",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
