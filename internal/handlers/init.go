package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Jerson-masa/ETER/internal/ledger"
	"github.com/Jerson-masa/ETER/internal/notify"
	"github.com/Jerson-masa/ETER/internal/oracle"
	"github.com/Jerson-masa/ETER/internal/stripeclient"
	"github.com/Jerson-masa/ETER/pkg/logging"
)

var (
	db        *sql.DB
	logger    logging.Logger
	metrics   *EterMetrics
	store     *ledger.Store
	oracleSvc *oracle.Service
	checkout  *stripeclient.Client
	publisher *notify.Publisher
)

// EterMetrics holds all Prometheus metrics for the service.
type EterMetrics struct {
	Consultations            *prometheus.CounterVec
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures prometheus.Counter
	CheckoutSessions         *prometheus.CounterVec
}

// Init initializes the handlers with the database, logger, and services.
func Init(database *sql.DB, log logging.Logger, m *EterMetrics, ledgerStore *ledger.Store, oracleService *oracle.Service, checkoutClient *stripeclient.Client, balancePublisher *notify.Publisher) {
	db = database
	logger = log
	metrics = m
	store = ledgerStore
	oracleSvc = oracleService
	checkout = checkoutClient
	publisher = balancePublisher
}
