package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/rapidalle/rapidalle/internal/credits"
	"github.com/rapidalle/rapidalle/internal/models"
	"github.com/rapidalle/rapidalle/internal/usage"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const providerStripe = "stripe"

var (
	// ErrDisabled is returned when no Stripe key is configured.
	ErrDisabled = errors.New("billing: not configured")
	// ErrUnknownPack is returned for pack ids missing from configuration.
	ErrUnknownPack = errors.New("billing: unknown credit pack")
	// ErrNoCustomer is returned by Portal for users who never paid.
	ErrNoCustomer = errors.New("billing: user has no billing customer")
	// ErrInvalidSignature is returned for webhooks that fail verification.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")
)

// CreditGranter adds credits to a user's balance. EnsureUser provisions the
// row a checkout links the Stripe customer to.
type CreditGranter interface {
	EnsureUser(ctx context.Context, userID string, profile credits.Profile) (models.User, error)
	Credit(ctx context.Context, userID string, amount int64) (int64, error)
}

// UsageRecorder appends audit events.
type UsageRecorder interface {
	Record(ctx context.Context, ev usage.Event) error
}

// Service sells credit packs through Stripe.
type Service struct {
	db     *gorm.DB
	ledger CreditGranter
	usage  UsageRecorder
	cfg    config.BillingConfig

	newCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	newPortalSession   func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// NewService constructs a Service. A non-empty secret key is installed as the
// process-wide Stripe key.
func NewService(db *gorm.DB, ledger CreditGranter, recorder UsageRecorder, cfg config.BillingConfig) *Service {
	if key := strings.TrimSpace(cfg.StripeSecretKey); key != "" {
		stripe.Key = key
	}
	return &Service{
		db:                 db,
		ledger:             ledger,
		usage:              recorder,
		cfg:                cfg,
		newCheckoutSession: session.New,
		newPortalSession:   portalsession.New,
	}
}

// Enabled reports whether Stripe is configured.
func (s *Service) Enabled() bool {
	return s != nil && strings.TrimSpace(s.cfg.StripeSecretKey) != ""
}

// Packs lists the purchasable packs.
func (s *Service) Packs() []config.CreditPack {
	out := make([]config.CreditPack, len(s.cfg.Packs))
	copy(out, s.cfg.Packs)
	return out
}

// Checkout starts a Stripe Checkout session for packID and returns its URL.
func (s *Service) Checkout(ctx context.Context, user models.User, packID string) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	pack, ok := s.cfg.Pack(packID)
	if !ok {
		return "", ErrUnknownPack
	}

	mode := stripe.CheckoutSessionModePayment
	if pack.Subscription {
		mode = stripe.CheckoutSessionModeSubscription
	}
	params := &stripe.CheckoutSessionParams{
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		Mode:              stripe.String(string(mode)),
		ClientReferenceID: stripe.String(user.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(pack.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	if user.BillingCustomerID != "" {
		params.Customer = stripe.String(user.BillingCustomerID)
	} else if user.Email != "" {
		params.CustomerEmail = stripe.String(user.Email)
	}
	if pack.Subscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": user.ID},
		}
	}
	params.AddMetadata("user_id", user.ID)
	params.AddMetadata("pack_id", pack.ID)
	params.AddMetadata("credits", strconv.FormatInt(pack.Credits, 10))

	result, errSession := s.newCheckoutSession(params)
	if errSession != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", errSession)
	}
	return result.URL, nil
}

// Portal opens the Stripe billing portal for the user's customer.
func (s *Service) Portal(ctx context.Context, user models.User) (string, error) {
	if !s.Enabled() {
		return "", ErrDisabled
	}
	if user.BillingCustomerID == "" {
		return "", ErrNoCustomer
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(user.BillingCustomerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	}
	params.Context = ctx
	result, errSession := s.newPortalSession(params)
	if errSession != nil {
		return "", fmt.Errorf("billing: create portal session: %w", errSession)
	}
	return result.URL, nil
}

// HandleWebhook verifies and applies one Stripe event. Each event id is applied
// at most once; events whose processing failed are retried on redelivery.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, errVerify := webhook.ConstructEventWithOptions(payload, signature, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if errVerify != nil {
		log.WithError(errVerify).Warn("billing webhook: signature verification failed")
		return ErrInvalidSignature
	}

	fields := log.Fields{"event_id": event.ID, "event_type": string(event.Type)}
	claimed, errClaim := s.claim(ctx, event, payload)
	if errClaim != nil {
		return errClaim
	}
	if !claimed {
		log.WithFields(fields).Info("billing webhook: duplicate event ignored")
		return nil
	}

	userID, granted, errApply := s.apply(ctx, event)
	update := map[string]any{"processing_error": "", "credits": granted}
	if userID != "" {
		update["user_id"] = userID
	}
	if errApply != nil {
		update["processing_error"] = errApply.Error()
	}
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.BillingEvent{}).
		Where("provider = ? AND provider_event_id = ?", providerStripe, event.ID).
		Updates(update).Error; errUpdate != nil {
		log.WithFields(fields).WithError(errUpdate).Warn("billing webhook: failed to update event record")
	}
	if errApply != nil {
		log.WithFields(fields).WithError(errApply).Error("billing webhook: processing failed")
		return errApply
	}
	log.WithFields(fields).WithField("credits", granted).Info("billing webhook: processed")
	return nil
}

// claim records the event and reports whether this delivery should process it.
func (s *Service) claim(ctx context.Context, event stripe.Event, payload []byte) (bool, error) {
	row := models.BillingEvent{
		Provider:        providerStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Payload:         datatypes.JSON(payload),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("billing: record event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var existing models.BillingEvent
	if errFind := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", providerStripe, event.ID).
		Take(&existing).Error; errFind != nil {
		return false, fmt.Errorf("billing: load event: %w", errFind)
	}
	return existing.ProcessingError != "", nil
}

func (s *Service) apply(ctx context.Context, event stripe.Event) (string, int64, error) {
	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sess); errUnmarshal != nil {
			return "", 0, fmt.Errorf("billing: parse checkout session: %w", errUnmarshal)
		}
		return s.applyCheckout(ctx, &sess)
	case "invoice.paid":
		var inv stripe.Invoice
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &inv); errUnmarshal != nil {
			return "", 0, fmt.Errorf("billing: parse invoice: %w", errUnmarshal)
		}
		return s.applyInvoice(ctx, &inv)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if errUnmarshal := json.Unmarshal(event.Data.Raw, &sub); errUnmarshal != nil {
			return "", 0, fmt.Errorf("billing: parse subscription: %w", errUnmarshal)
		}
		return s.applySubscriptionDeleted(ctx, &sub)
	default:
		return "", 0, nil
	}
}

func (s *Service) applyCheckout(ctx context.Context, sess *stripe.CheckoutSession) (string, int64, error) {
	userID := strings.TrimSpace(sess.Metadata["user_id"])
	if userID == "" {
		userID = strings.TrimSpace(sess.ClientReferenceID)
	}
	if userID == "" {
		return "", 0, errors.New("billing: checkout session has no user")
	}
	amount, errParse := strconv.ParseInt(strings.TrimSpace(sess.Metadata["credits"]), 10, 64)
	if errParse != nil || amount < 0 {
		if pack, ok := s.cfg.Pack(sess.Metadata["pack_id"]); ok {
			amount = pack.Credits
		} else {
			return userID, 0, fmt.Errorf("billing: checkout session %s has no credit amount", sess.ID)
		}
	}

	updates := map[string]any{}
	if sess.Customer != nil && sess.Customer.ID != "" {
		updates["billing_customer_id"] = sess.Customer.ID
	}
	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		updates["billing_tier"] = models.BillingTierPro
	}
	if len(updates) > 0 {
		// A buyer who never hit an authenticated route has no row yet.
		if _, errEnsure := s.ledger.EnsureUser(ctx, userID, credits.Profile{Email: sess.CustomerEmail}); errEnsure != nil {
			return userID, 0, fmt.Errorf("billing: provision user: %w", errEnsure)
		}
		res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
		if res.Error != nil {
			return userID, 0, fmt.Errorf("billing: update user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return userID, 0, fmt.Errorf("billing: user %s not found for checkout %s", userID, sess.ID)
		}
	}
	if errGrant := s.grant(ctx, userID, amount, map[string]any{"pack_id": sess.Metadata["pack_id"], "checkout_session": sess.ID}); errGrant != nil {
		return userID, 0, errGrant
	}
	return userID, amount, nil
}

func (s *Service) applyInvoice(ctx context.Context, inv *stripe.Invoice) (string, int64, error) {
	// The first invoice is paid through checkout, which already granted credits.
	if inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		return "", 0, nil
	}
	if inv.Customer == nil || inv.Customer.ID == "" {
		return "", 0, errors.New("billing: invoice has no customer")
	}
	user, errUser := s.userByCustomer(ctx, inv.Customer.ID)
	if errUser != nil {
		return "", 0, errUser
	}
	amount := s.cfg.SubscriptionMonthlyCredits
	if errGrant := s.grant(ctx, user.ID, amount, map[string]any{"invoice": inv.ID}); errGrant != nil {
		return user.ID, 0, errGrant
	}
	return user.ID, amount, nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) (string, int64, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", 0, errors.New("billing: subscription has no customer")
	}
	user, errUser := s.userByCustomer(ctx, sub.Customer.ID)
	if errUser != nil {
		return "", 0, errUser
	}
	if errUpdate := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("billing_tier", models.BillingTierFree).Error; errUpdate != nil {
		return user.ID, 0, fmt.Errorf("billing: downgrade user: %w", errUpdate)
	}
	return user.ID, 0, nil
}

func (s *Service) grant(ctx context.Context, userID string, amount int64, meta map[string]any) error {
	if amount <= 0 {
		return nil
	}
	if _, errCredit := s.ledger.Credit(ctx, userID, amount); errCredit != nil {
		return fmt.Errorf("billing: credit user: %w", errCredit)
	}
	if s.usage != nil {
		_ = s.usage.Record(ctx, usage.Event{
			UserID:   userID,
			Feature:  models.UsageFeatureCreditPurchase,
			Credits:  -amount,
			Metadata: meta,
		})
	}
	return nil
}

func (s *Service) userByCustomer(ctx context.Context, customerID string) (models.User, error) {
	var user models.User
	errFind := s.db.WithContext(ctx).Where("billing_customer_id = ?", customerID).Take(&user).Error
	if errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.User{}, fmt.Errorf("billing: no user for customer %s", customerID)
	}
	if errFind != nil {
		return models.User{}, fmt.Errorf("billing: load user: %w", errFind)
	}
	return user, nil
}
