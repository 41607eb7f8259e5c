package clients

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/autofix-backend/internal/config"
	"github.com/tbourn/autofix-backend/internal/services"
)

// Set bundles the three capabilities the services need.
type Set struct {
	AI       services.DiagnosisEngine
	Supplier services.Supplier
	Payment  services.PaymentProcessor
}

// FromConfig builds HTTP clients for configured endpoints and simulators for
// the rest. The HTTP timeout is a ceiling; the services apply their own
// per-attempt deadlines through the request context.
func FromConfig(ext config.ExternalConfig, wf config.WorkflowConfig) Set {
	var s Set
	if ext.AIURL != "" {
		s.AI = NewAIClient(ext.AIURL, ext.APIKey, ceiling(wf.AITimeout))
	} else {
		log.Warn().Msg("AI_URL not set; using in-process diagnosis simulator")
		s.AI = AISimulator{}
	}
	if ext.SupplierURL != "" {
		s.Supplier = NewSupplierClient(ext.SupplierURL, ext.APIKey, ceiling(wf.SupplierTimeout))
	} else {
		log.Warn().Msg("SUPPLIER_URL not set; using in-process supplier simulator")
		s.Supplier = NewSupplierSimulator()
	}
	if ext.PaymentURL != "" {
		s.Payment = NewPaymentClient(ext.PaymentURL, ext.APIKey, ceiling(wf.PaymentTimeout))
	} else {
		log.Warn().Msg("PAYMENT_URL not set; using in-process payment simulator")
		s.Payment = NewPaymentSimulator()
	}
	return s
}

func ceiling(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return 2 * d
}
