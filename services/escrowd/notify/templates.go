package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
)

// Kind names a party-facing message template.
type Kind string

const (
	KindEscrowCreated    Kind = "escrow_created"
	KindPaymentRequest   Kind = "payment_request"
	KindPaymentConfirmed Kind = "payment_confirmed"
	KindFundsReleased    Kind = "funds_released"
	KindReleaseComplete  Kind = "release_complete"
	KindDisputeRaised    Kind = "dispute_raised"
	KindDisputeResolved  Kind = "dispute_resolved"
	KindAutoReleased     Kind = "auto_released"
	KindDeliveryReminder Kind = "delivery_reminder"
)

// Notifier delivers a rendered message to a party. Delivery is asynchronous:
// the returned handle identifies the queued message, not a receipt.
type Notifier interface {
	Notify(ctx context.Context, identity string, kind Kind, data map[string]string) (string, error)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, string, Kind, map[string]string) (string, error) { return "", nil }

var templates = map[Kind]*template.Template{
	KindEscrowCreated: parse(KindEscrowCreated, "Escrow created.\n\nID: {{.short_code}}\nItem: {{.description}}\nAmount: {{.amount}} USDC\nBuyer: {{.buyer}}\n\nYou'll be notified when the buyer funds the escrow."),
	KindPaymentRequest: parse(KindPaymentRequest, "Action required: fund escrow.\n\nID: {{.short_code}}\nItem: {{.description}}\nAmount: {{.amount}} USDC\n\nFund your wallet, then send the fund command to proceed."),
	KindPaymentConfirmed: parse(KindPaymentConfirmed, `{{if eq .role "buyer"}}Payment of {{.amount}} USDC confirmed for escrow {{.short_code}}.

The seller has been notified to send the item. Funds are held until you confirm delivery.{{else}}The buyer has funded escrow {{.short_code}} with {{.amount}} USDC.

Please send the item. Funds are released to you once the buyer confirms delivery.{{end}}`),
	KindFundsReleased:   parse(KindFundsReleased, "Funds released for escrow {{.short_code}}. You received {{.seller_amount}} USDC (after {{.fee}} USDC fee)."),
	KindReleaseComplete: parse(KindReleaseComplete, "Escrow {{.short_code}} is complete. Thanks for using ProofPay."),
	KindDisputeRaised:   parse(KindDisputeRaised, "A dispute has been raised for escrow {{.short_code}} ({{.reason}}).\n\nOur team will review the case and contact both parties."),
	KindDisputeResolved: parse(KindDisputeResolved, "Dispute resolved for escrow {{.short_code}}. You received {{.amount}} USDC ({{.percentage}}% of escrow)."),
	KindAutoReleased:    parse(KindAutoReleased, "Escrow {{.short_code}} was released automatically after the delivery window closed. Seller payout: {{.seller_amount}} USDC."),
	KindDeliveryReminder: parse(KindDeliveryReminder, "Has your item for escrow {{.short_code}} ({{.description}}) arrived?\n\nReply release to pay the seller or dispute to report a problem. Funds release automatically in {{.days_remaining}} day(s)."),
}

func parse(kind Kind, body string) *template.Template {
	return template.Must(template.New(string(kind)).Option("missingkey=zero").Parse(body))
}

// Render produces the message text for kind.
func Render(kind Kind, data map[string]string) (string, error) {
	tmpl, ok := templates[kind]
	if !ok {
		return "", fmt.Errorf("notify: unknown template %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: render %s: %w", kind, err)
	}
	return buf.String(), nil
}
