package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/attachehq/attache/internal/linking"
	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// RegisterBuiltins adds the standard business tool set to the registry.
// The onboarding tools take dependencies and are registered separately.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Tool{
		&SearchRecordsTool{},
		&SearchContactsTool{},
		&CreateContactTool{},
		&SendInvoiceTool{},
		&ScheduleEventTool{},
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// SearchRecordsTool is the read-only discovery tool. It stays exposed
// even when an agent's allowlist restricts the rest of the surface.
type SearchRecordsTool struct{}

type searchRecordsParams struct {
	Query string `json:"query" jsonschema:"description=Free-text query matched against contacts and invoices and events"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results; default 10"`
}

var searchRecordsSchema = schemaFor(&searchRecordsParams{})

func (t *SearchRecordsTool) Name() string { return "search_records" }
func (t *SearchRecordsTool) Description() string {
	return "Search the tenant's records across contacts, invoices and events."
}
func (t *SearchRecordsTool) Schema() json.RawMessage { return searchRecordsSchema }
func (t *SearchRecordsTool) ReadOnly() bool          { return true }

func (t *SearchRecordsTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Store == nil {
		return errResult("record directory unavailable"), nil
	}
	var p searchRecordsParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	records := inv.Store.Search(ctx, inv.TenantID, p.Query, p.Limit)
	return jsonResult(map[string]any{"count": len(records), "results": records})
}

// SearchContactsTool finds contacts by name, email or phone.
type SearchContactsTool struct{}

type searchContactsParams struct {
	Query string `json:"query" jsonschema:"description=Name or email or phone fragment to look for"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results; default 10"`
}

var searchContactsSchema = schemaFor(&searchContactsParams{})

func (t *SearchContactsTool) Name() string { return "search_contacts" }
func (t *SearchContactsTool) Description() string {
	return "Search the tenant's contacts by name, email or phone."
}
func (t *SearchContactsTool) Schema() json.RawMessage { return searchContactsSchema }
func (t *SearchContactsTool) ReadOnly() bool          { return true }

func (t *SearchContactsTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Store == nil {
		return errResult("record directory unavailable"), nil
	}
	var p searchContactsParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	contacts := inv.Store.SearchContacts(ctx, inv.TenantID, p.Query, p.Limit)
	return jsonResult(map[string]any{"count": len(contacts), "contacts": contacts})
}

// CreateContactTool adds a contact to the tenant's directory.
type CreateContactTool struct{}

type createContactParams struct {
	Name  string   `json:"name" jsonschema:"description=Full name of the contact"`
	Email string   `json:"email,omitempty" jsonschema:"description=Email address"`
	Phone string   `json:"phone,omitempty" jsonschema:"description=Phone number"`
	Tags  []string `json:"tags,omitempty" jsonschema:"description=Labels to attach to the contact"`
}

var createContactSchema = schemaFor(&createContactParams{})

func (t *CreateContactTool) Name() string        { return "create_contact" }
func (t *CreateContactTool) Description() string { return "Create a new contact for the tenant." }
func (t *CreateContactTool) Schema() json.RawMessage {
	return createContactSchema
}
func (t *CreateContactTool) ReadOnly() bool { return false }

func (t *CreateContactTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Store == nil {
		return errResult("record directory unavailable"), nil
	}
	var p createContactParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	contact, err := inv.Store.CreateContact(ctx, &Contact{
		TenantID: inv.TenantID,
		Name:     p.Name,
		Email:    p.Email,
		Phone:    p.Phone,
		Tags:     p.Tags,
	})
	if err != nil {
		return errResult("create contact: %v", err), nil
	}
	return jsonResult(contact)
}

// SendInvoiceTool raises an invoice against an existing contact.
type SendInvoiceTool struct{}

type sendInvoiceParams struct {
	ContactID string `json:"contact_id" jsonschema:"description=ID of the contact to invoice"`
	Amount    int    `json:"amount" jsonschema:"description=Amount in cents"`
	Currency  string `json:"currency,omitempty" jsonschema:"description=ISO currency code; default USD"`
	Memo      string `json:"memo,omitempty" jsonschema:"description=Line description shown on the invoice"`
}

var sendInvoiceSchema = schemaFor(&sendInvoiceParams{})

func (t *SendInvoiceTool) Name() string { return "send_invoice" }
func (t *SendInvoiceTool) Description() string {
	return "Create and send an invoice to one of the tenant's contacts."
}
func (t *SendInvoiceTool) Schema() json.RawMessage { return sendInvoiceSchema }
func (t *SendInvoiceTool) ReadOnly() bool          { return false }

func (t *SendInvoiceTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Store == nil {
		return errResult("record directory unavailable"), nil
	}
	var p sendInvoiceParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	invoice, err := inv.Store.CreateInvoice(ctx, &Invoice{
		TenantID:  inv.TenantID,
		ContactID: p.ContactID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Memo:      p.Memo,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return errResult("contact %s not found", p.ContactID), nil
	}
	if err != nil {
		return errResult("send invoice: %v", err), nil
	}
	return jsonResult(invoice)
}

// ScheduleEventTool books a calendar event.
type ScheduleEventTool struct{}

type scheduleEventParams struct {
	Title           string `json:"title" jsonschema:"description=Event title"`
	StartsAt        string `json:"starts_at" jsonschema:"description=Start time in RFC 3339 format"`
	DurationMinutes int    `json:"duration_minutes,omitempty" jsonschema:"description=Length in minutes; default 30"`
	ContactID       string `json:"contact_id,omitempty" jsonschema:"description=Contact the event is with"`
	Location        string `json:"location,omitempty" jsonschema:"description=Where the event takes place"`
}

var scheduleEventSchema = schemaFor(&scheduleEventParams{})

func (t *ScheduleEventTool) Name() string { return "schedule_event" }
func (t *ScheduleEventTool) Description() string {
	return "Schedule a calendar event, optionally tied to a contact."
}
func (t *ScheduleEventTool) Schema() json.RawMessage { return scheduleEventSchema }
func (t *ScheduleEventTool) ReadOnly() bool          { return false }

func (t *ScheduleEventTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if inv.Store == nil {
		return errResult("record directory unavailable"), nil
	}
	var p scheduleEventParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	starts, err := time.Parse(time.RFC3339, p.StartsAt)
	if err != nil {
		return errResult("starts_at must be RFC 3339: %v", err), nil
	}
	duration := time.Duration(p.DurationMinutes) * time.Minute
	if duration <= 0 {
		duration = 30 * time.Minute
	}
	event, err := inv.Store.CreateEvent(ctx, &Event{
		TenantID:  inv.TenantID,
		ContactID: p.ContactID,
		Title:     p.Title,
		StartsAt:  starts,
		EndsAt:    starts.Add(duration),
		Location:  p.Location,
	})
	if err != nil {
		return errResult("schedule event: %v", err), nil
	}
	return jsonResult(event)
}

// CodeIssuer issues account-linking verification codes. Implemented by
// *linking.Service.
type CodeIssuer interface {
	IssueCode(ctx context.Context, email string, channel models.ChannelType, externalID string) (*linking.Code, error)
}

// LinkAccountTool emails a verification code so an existing customer can
// claim the current conversation. The code itself never enters the chat;
// the user types it back and the pipeline redeems it.
type LinkAccountTool struct {
	issuer CodeIssuer
}

// NewLinkAccountTool creates the link_account tool.
func NewLinkAccountTool(issuer CodeIssuer) *LinkAccountTool {
	return &LinkAccountTool{issuer: issuer}
}

type linkAccountParams struct {
	Email string `json:"email" jsonschema:"description=Email address the user says their account is registered under"`
}

var linkAccountSchema = schemaFor(&linkAccountParams{})

func (t *LinkAccountTool) Name() string { return "link_account" }
func (t *LinkAccountTool) Description() string {
	return "Email a verification code to link this conversation to an existing account."
}
func (t *LinkAccountTool) Schema() json.RawMessage { return linkAccountSchema }
func (t *LinkAccountTool) ReadOnly() bool          { return false }

func (t *LinkAccountTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if t.issuer == nil {
		return errResult("account linking unavailable"), nil
	}
	var p linkAccountParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	code, err := t.issuer.IssueCode(ctx, p.Email, inv.Channel, inv.ContactID)
	if errors.Is(err, linking.ErrAccountNotFound) {
		return errResult("no account is registered under %s", p.Email), nil
	}
	if err != nil {
		if code != nil {
			// Issued but not delivered. The user can ask for a fresh one.
			return errResult("could not deliver the verification code; ask the user to request a new one"), nil
		}
		return nil, err
	}
	return jsonResult(map[string]any{
		"status":             "code_sent",
		"email":              p.Email,
		"expires_in_minutes": int(linking.CodeTTL.Minutes()),
	})
}

// GuidedUpdater persists guided-interview progress. Implemented by the
// session store.
type GuidedUpdater interface {
	UpdateGuided(ctx context.Context, id string, guided *models.GuidedState) error
}

// CompleteOnboardingTool finalizes the guided interview once the
// onboarding agent has collected the basics.
type CompleteOnboardingTool struct {
	sessions GuidedUpdater
}

// NewCompleteOnboardingTool creates the complete_onboarding tool.
func NewCompleteOnboardingTool(sessions GuidedUpdater) *CompleteOnboardingTool {
	return &CompleteOnboardingTool{sessions: sessions}
}

type completeOnboardingParams struct {
	BusinessName string `json:"business_name" jsonschema:"description=Business name collected during onboarding"`
	Email        string `json:"email" jsonschema:"description=Owner email collected during onboarding"`
	Goal         string `json:"goal,omitempty" jsonschema:"description=What the user wants the assistant to handle"`
}

var completeOnboardingSchema = schemaFor(&completeOnboardingParams{})

func (t *CompleteOnboardingTool) Name() string { return "complete_onboarding" }
func (t *CompleteOnboardingTool) Description() string {
	return "Record the collected onboarding answers and finish the guided interview."
}
func (t *CompleteOnboardingTool) Schema() json.RawMessage { return completeOnboardingSchema }
func (t *CompleteOnboardingTool) ReadOnly() bool          { return false }

func (t *CompleteOnboardingTool) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	if t.sessions == nil {
		return errResult("session store unavailable"), nil
	}
	var p completeOnboardingParams
	if err := json.Unmarshal(inv.Params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	state := &models.GuidedState{
		Step: "completed",
		Answers: map[string]string{
			"business_name": p.BusinessName,
			"email":         p.Email,
		},
	}
	if p.Goal != "" {
		state.Answers["goal"] = p.Goal
	}
	if err := t.sessions.UpdateGuided(ctx, inv.SessionID, state); err != nil {
		return nil, err
	}
	return jsonResult(map[string]string{"status": "completed", "business_name": p.BusinessName})
}
