// Package profile defines the Feelix bot profile (feelix/v1): the persona
// prompt, model sampling parameters, the summarization prompts and every
// user-facing text. Operational limits live in the environment, not here.
package profile

// SpecVersion is the apiVersion every profile document must declare.
const SpecVersion = "feelix/v1"

// Profile is the root of a profile document.
type Profile struct {
	APIVersion string  `yaml:"apiVersion" json:"apiVersion"`
	Persona    Persona `yaml:"persona" json:"persona"`
	Chat       Params  `yaml:"chat" json:"chat"`
	Summary    Summary `yaml:"summary" json:"summary"`
	Menu       Menu    `yaml:"menu" json:"menu"`
	Gender     Gender  `yaml:"gender" json:"gender"`
	Texts      Texts   `yaml:"texts" json:"texts"`
	Survey     Survey  `yaml:"survey" json:"survey"`
}

// Persona seeds every ledger.
type Persona struct {
	Name         string `yaml:"name" json:"name"`
	SystemPrompt string `yaml:"systemPrompt" json:"systemPrompt"`

	// GenderHint is a format string with one %s for the chosen gender.
	GenderHint string `yaml:"genderHint" json:"genderHint"`

	// SummaryPreamble prefixes the condensed summary after a reset.
	SummaryPreamble string `yaml:"summaryPreamble" json:"summaryPreamble"`

	// Reengage is the system instruction appended for bot-initiated turns.
	Reengage string `yaml:"reengage" json:"reengage"`
}

// Params are model sampling parameters.
type Params struct {
	Temperature float64 `yaml:"temperature" json:"temperature"`
	TopP        float64 `yaml:"topP" json:"topP"`
	MaxTokens   int     `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
}

// Summary configures the three-message summarization request.
type Summary struct {
	Instruction     string `yaml:"instruction" json:"instruction"`
	Continuation    string `yaml:"continuation" json:"continuation"`
	FailureUpstream string `yaml:"failureUpstream" json:"failureUpstream"`
	FailureUnknown  string `yaml:"failureUnknown" json:"failureUnknown"`
	Params          Params `yaml:"params" json:"params"`
}

// Menu holds reply-keyboard labels. A label doubles as the command it
// triggers, so labels must be unique.
type Menu struct {
	Premium      string `yaml:"premium" json:"premium"`
	Feedback     string `yaml:"feedback" json:"feedback"`
	ClearHistory string `yaml:"clearHistory" json:"clearHistory"`
	FreeTrial    string `yaml:"freeTrial" json:"freeTrial"`
	GetFeedback  string `yaml:"getFeedback" json:"getFeedback"`
	AddPremium   string `yaml:"addPremium" json:"addPremium"`
}

// Gender holds the onboarding choices.
type Gender struct {
	Male        string `yaml:"male" json:"male"`
	Female      string `yaml:"female" json:"female"`
	Undisclosed string `yaml:"undisclosed" json:"undisclosed"`
}

// Texts are the bot's canned replies.
type Texts struct {
	Welcome     string `yaml:"welcome" json:"welcome"`
	Help        string `yaml:"help" json:"help"`
	AskGender   string `yaml:"askGender" json:"askGender"`
	GenderSaved string `yaml:"genderSaved" json:"genderSaved"`

	// Locked and TrialOffer take hours and minutes remaining (%d, %d).
	Locked     string `yaml:"locked" json:"locked"`
	TrialOffer string `yaml:"trialOffer" json:"trialOffer"`

	// PremiumActive, PremiumGranted and TrialGranted take the expiry date (%s).
	PremiumActive  string `yaml:"premiumActive" json:"premiumActive"`
	PremiumGranted string `yaml:"premiumGranted" json:"premiumGranted"`
	TrialGranted   string `yaml:"trialGranted" json:"trialGranted"`

	DailyLimit     string `yaml:"dailyLimit" json:"dailyLimit"`
	Apology        string `yaml:"apology" json:"apology"`
	PremiumInfo    string `yaml:"premiumInfo" json:"premiumInfo"`
	TrialUsed      string `yaml:"trialUsed" json:"trialUsed"`
	FeedbackPrompt string `yaml:"feedbackPrompt" json:"feedbackPrompt"`
	FeedbackThanks string `yaml:"feedbackThanks" json:"feedbackThanks"`
	FeedbackEmpty  string `yaml:"feedbackEmpty" json:"feedbackEmpty"`
	HistoryCleared string `yaml:"historyCleared" json:"historyCleared"`
	NotAllowed     string `yaml:"notAllowed" json:"notAllowed"`
	UnknownCommand string `yaml:"unknownCommand" json:"unknownCommand"`
}

// Survey configures the four-question satisfaction survey.
type Survey struct {
	// Questions are q1..q4; q1-q3 take a 1-5 score, q4 offers Send/Skip.
	Questions []string `yaml:"questions" json:"questions"`

	Send    string `yaml:"send" json:"send"`
	Skip    string `yaml:"skip" json:"skip"`
	Thanks  string `yaml:"thanks" json:"thanks"`
	Expired string `yaml:"expired" json:"expired"`
}
