package constants

// Default keyword and source sets used by the categorizer when the
// configuration does not override them. Matching is case-insensitive.
var (
	DefaultUrgentKeywords = []string{
		"urgent", "urgently", "emergency", "asap", "critical", "immediately",
		"right away", "call me now",
	}

	DefaultWorkSources = []string{
		"slack", "teams", "jira", "github", "gitlab", "notion", "asana",
		"linear", "confluence", "zoom", "meet", "pagerduty", "outlook",
	}

	DefaultSocialSources = []string{
		"whatsapp", "telegram", "signal", "messenger", "instagram",
		"snapchat", "discord", "sms", "imessage",
	}

	DefaultFinancialSources = []string{
		"bank", "chase", "paypal", "venmo", "revolut", "stripe", "wise",
	}

	DefaultPromotionalKeywords = []string{
		"sale", "discount", "offer", "deal", "coupon", "promo",
		"limited time", "buy now", "free shipping", "unsubscribe",
	}

	DefaultTransactionalKeywords = []string{
		"otp", "one-time", "verification code", "code is", "shipped",
		"delivery", "delivered", "tracking", "payment", "balance",
		"debited", "credited", "invoice", "receipt",
	}
)

// DefaultAppDisplayNames maps well-known source identifiers to the
// display name used in work-bucket veils.
var DefaultAppDisplayNames = map[string]string{
	"com.slack":                    "Slack",
	"com.Slack":                    "Slack",
	"slack":                        "Slack",
	"com.microsoft.teams":          "Teams",
	"com.atlassian.jira":           "Jira",
	"com.github.android":           "GitHub",
	"github":                       "GitHub",
	"notion.id":                    "Notion",
	"notion":                       "Notion",
	"us.zoom.videomeetings":        "Zoom",
	"com.google.android.gm":        "Gmail",
	"com.microsoft.office.outlook": "Outlook",
	"com.asana.app":                "Asana",
	"com.linear.android":           "Linear",
}
