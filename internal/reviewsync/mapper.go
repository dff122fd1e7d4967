package reviewsync

import (
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/fraud-tracker/internal/domain"
)

// Review board property names.
const (
	propTransactionID = "Transaction ID"
	propExternalID    = "External ID"
	propUserID        = "User ID"
	propAmount        = "Amount"
	propDate          = "Date"
	propMerchant      = "Merchant"
	propRiskScore     = "Risk Score"
	propReasons       = "Reasons"
	propStatus        = "Status"
	propDecision      = "Decision"
)

// Status values shown on the board.
const (
	StatusPending  = "Pending review"
	StatusApproved = "Approved"
	StatusDeclined = "Declined"
)

func text(s string) []notionapi.RichText {
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}

func statusFor(tx *domain.Transaction) string {
	switch tx.Decision {
	case domain.DecisionApprove:
		return StatusApproved
	case domain.DecisionDecline:
		return StatusDeclined
	}
	return StatusPending
}

// TransactionToNotionProperties maps a flagged transaction onto a review card.
// The Decision property is left for the reviewer.
func TransactionToNotionProperties(tx *domain.Transaction) notionapi.Properties {
	amount, _ := tx.Amount.Float64()
	date := notionapi.Date(tx.Date.In(time.UTC))

	props := notionapi.Properties{
		propTransactionID: notionapi.TitleProperty{Title: text(tx.ID)},
		propExternalID:    notionapi.RichTextProperty{RichText: text(tx.ExternalID)},
		propUserID:        notionapi.RichTextProperty{RichText: text(tx.UserID)},
		propAmount:        notionapi.NumberProperty{Number: amount},
		propDate:          notionapi.DateProperty{Date: &notionapi.DateObject{Start: &date}},
		propStatus:        notionapi.SelectProperty{Select: notionapi.Option{Name: statusFor(tx)}},
	}

	if tx.MerchantName != "" {
		props[propMerchant] = notionapi.RichTextProperty{RichText: text(tx.MerchantName)}
	}
	if tx.RiskScore != nil {
		props[propRiskScore] = notionapi.NumberProperty{Number: float64(*tx.RiskScore)}
	}
	if tx.Explanation != nil && len(tx.Explanation.Flags) > 0 {
		options := make([]notionapi.Option, 0, len(tx.Explanation.Flags))
		for _, f := range tx.Explanation.Flags {
			options = append(options, notionapi.Option{Name: f})
		}
		props[propReasons] = notionapi.MultiSelectProperty{MultiSelect: options}
	}
	return props
}

func statusProperties(status string) notionapi.Properties {
	return notionapi.Properties{
		propStatus: notionapi.SelectProperty{Select: notionapi.Option{Name: status}},
	}
}

// card is the part of a review page the sync reads back.
type card struct {
	PageID        string
	TransactionID string
	UserID        string
	Status        string
	Decision      string
}

func readCard(page notionapi.Page) card {
	return card{
		PageID:        string(page.ID),
		TransactionID: titleText(page, propTransactionID),
		UserID:        richText(page, propUserID),
		Status:        selectName(page, propStatus),
		Decision:      strings.ToLower(strings.TrimSpace(selectName(page, propDecision))),
	}
}

func titleText(page notionapi.Page, name string) string {
	if title, ok := page.Properties[name].(*notionapi.TitleProperty); ok && len(title.Title) > 0 {
		return title.Title[0].PlainText
	}
	return ""
}

func richText(page notionapi.Page, name string) string {
	if rt, ok := page.Properties[name].(*notionapi.RichTextProperty); ok && len(rt.RichText) > 0 {
		return rt.RichText[0].PlainText
	}
	return ""
}

func selectName(page notionapi.Page, name string) string {
	if sel, ok := page.Properties[name].(*notionapi.SelectProperty); ok {
		return sel.Select.Name
	}
	return ""
}
