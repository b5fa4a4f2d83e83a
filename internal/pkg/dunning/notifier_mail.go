package dunning

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/chainbillhq/chainbill/app/models"
	"github.com/chainbillhq/chainbill/internal/pkg/mail"
)

// mailNotifier emails the subscription's customer. Customers without an
// email address fall back to a log line; notification delivery never blocks
// the retry schedule.
type mailNotifier struct {
	db *gorm.DB
}

// NewMailNotifier returns an SMTP-backed notifier.
func NewMailNotifier(db *gorm.DB) Notifier {
	return &mailNotifier{db: db}
}

// NewNotifierFromEnv picks the mail notifier when SMTP is configured and
// the logging notifier otherwise.
func NewNotifierFromEnv(db *gorm.DB) Notifier {
	if mail.Enabled() {
		return NewMailNotifier(db)
	}
	return NewLogNotifier()
}

func (n *mailNotifier) NotifyPreDunning(sub *models.Subscription, firstRetryAt time.Time) {
	email := n.customerEmail(sub)
	if email == "" {
		log.Infof("[Dunning] no customer email for subscription %d, skipping pre-dunning mail", sub.ID)
		return
	}
	subject := "Payment retry scheduled for your subscription"
	body := fmt.Sprintf(
		"<p>A payment for your subscription %s failed. We will retry on %s.</p>"+
			"<p>Please make sure your wallet holds enough funds before then.</p>",
		sub.UUID, firstRetryAt.Format("2006-01-02 15:04 MST"))
	if err := mail.SendMail(email, subject, body); err != nil {
		log.Errorf("[Dunning] pre-dunning mail for subscription %d failed: %v", sub.ID, err)
	}
}

func (n *mailNotifier) NotifyFinalAction(sub *models.Subscription, action string) {
	email := n.customerEmail(sub)
	if email == "" {
		log.Infof("[Dunning] no customer email for subscription %d, skipping final-action mail", sub.ID)
		return
	}
	subject := "Action taken on your subscription"
	body := fmt.Sprintf(
		"<p>All payment retries for your subscription %s failed. Applied action: %s.</p>",
		sub.UUID, action)
	if err := mail.SendMail(email, subject, body); err != nil {
		log.Errorf("[Dunning] final-action mail for subscription %d failed: %v", sub.ID, err)
	}
}

func (n *mailNotifier) customerEmail(sub *models.Subscription) string {
	var customer models.Customer
	if err := n.db.First(&customer, sub.CustomerID).Error; err != nil {
		return ""
	}
	return customer.Email
}
