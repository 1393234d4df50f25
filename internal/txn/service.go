package txn

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-reconcile/internal/common"
	"github.com/noah-isme/toko-reconcile/internal/money"
)

// ProviderSet reports which providers may own transactions.
type ProviderSet interface {
	Has(name string) bool
}

// CreateInput is what checkout supplies before redirecting the shopper to a provider.
type CreateInput struct {
	Provider    string         `json:"provider" validate:"required"`
	ExternalRef string         `json:"external_ref" validate:"omitempty,max=255"`
	Amount      string         `json:"amount" validate:"required"`
	Currency    string         `json:"currency" validate:"required,iso4217"`
	OrderIDs    []string       `json:"order_ids" validate:"required,min=1,dive,uuid"`
	Metadata    map[string]any `json:"metadata"`
}

// Details bundles a transaction with its links and history.
type Details struct {
	Transaction
	History []HistoryEntry `json:"history"`
}

// Service implements the checkout-facing contract for transactions.
type Service struct {
	Store     Store
	Providers ProviderSet
	Logger    zerolog.Logger

	validate *validator.Validate
}

// NewService wires a Service with its validator.
func NewService(store Store, providers ProviderSet, logger zerolog.Logger) *Service {
	return &Service{Store: store, Providers: providers, Logger: logger, validate: newValidator()}
}

func validationError(msg string) error {
	return common.BadRequest(msg, nil)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldErrors lists failing fields by their JSON name and the rule they broke.
func fieldErrors(err error) map[string]string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return nil
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}

// Create opens a PENDING transaction linked to the given orders.
func (s *Service) Create(ctx context.Context, in CreateInput) (Transaction, error) {
	if s == nil || s.Store == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	in.Currency = money.NormalizeCurrency(in.Currency)
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	v := s.validate
	if v == nil {
		v = newValidator()
	}
	if err := v.Struct(in); err != nil {
		return Transaction{}, common.BadRequest("invalid transaction", fieldErrors(err))
	}
	if s.Providers != nil && !s.Providers.Has(in.Provider) {
		return Transaction{}, validationError("provider is not supported")
	}
	amount, err := money.ParseMajor(in.Amount, in.Currency)
	if err != nil {
		return Transaction{}, validationError("amount is not a valid " + in.Currency + " amount")
	}
	if !amount.IsPositive() {
		return Transaction{}, validationError("amount must be greater than zero")
	}
	orderIDs := make([]uuid.UUID, 0, len(in.OrderIDs))
	seen := make(map[uuid.UUID]struct{}, len(in.OrderIDs))
	for _, raw := range in.OrderIDs {
		id := uuid.MustParse(raw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		orderIDs = append(orderIDs, id)
	}

	created, err := s.Store.Create(ctx, Transaction{
		ID:          uuid.New(),
		Provider:    in.Provider,
		ExternalRef: in.ExternalRef,
		Amount:      amount,
		Currency:    in.Currency,
		Status:      StatusPending,
		Metadata:    in.Metadata,
		OrderIDs:    orderIDs,
	})
	if err != nil {
		if errors.Is(err, ErrReferenceInUse) {
			return Transaction{}, common.NewAppError("REFERENCE_IN_USE", "external reference already belongs to another transaction", http.StatusConflict, err)
		}
		return Transaction{}, err
	}
	s.Logger.Info().
		Str("transaction_id", created.ID.String()).
		Str("provider", created.Provider).
		Str("amount", money.Format(created.Amount, created.Currency)).
		Str("currency", created.Currency).
		Msg("transaction created")
	return created, nil
}

// AttachReference records the provider's identifier once it is known.
func (s *Service) AttachReference(ctx context.Context, id uuid.UUID, ref string) (Transaction, error) {
	if s == nil || s.Store == nil {
		return Transaction{}, ErrStoreUnavailable
	}
	ref = strings.TrimSpace(ref)
	if ref == "" || len(ref) > 255 {
		return Transaction{}, validationError("external_ref is required")
	}
	t, err := s.Store.AttachReference(ctx, id, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		return Transaction{}, common.NewAppError("NOT_FOUND", "transaction not found", http.StatusNotFound, err)
	case errors.Is(err, ErrReferenceAlreadySet):
		return Transaction{}, common.NewAppError("REFERENCE_ALREADY_SET", "external reference is immutable once set", http.StatusConflict, err)
	case errors.Is(err, ErrReferenceInUse):
		return Transaction{}, common.NewAppError("REFERENCE_IN_USE", "external reference already belongs to another transaction", http.StatusConflict, err)
	case err != nil:
		return Transaction{}, err
	}
	return t, nil
}

// Get returns the transaction with its linked orders and status history.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Details, error) {
	if s == nil || s.Store == nil {
		return Details{}, ErrStoreUnavailable
	}
	t, err := s.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Details{}, common.NewAppError("NOT_FOUND", "transaction not found", http.StatusNotFound, err)
	}
	if err != nil {
		return Details{}, err
	}
	if t.OrderIDs, err = s.Store.LinkedOrders(ctx, id); err != nil {
		return Details{}, err
	}
	history, err := s.Store.History(ctx, id)
	if err != nil {
		return Details{}, err
	}
	if history == nil {
		history = []HistoryEntry{}
	}
	return Details{Transaction: t, History: history}, nil
}
