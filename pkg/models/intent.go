package models

// UIIntentType identifies the kind of UI intent.
type UIIntentType string

// UIIntentRenderComponent tells the client to render a presentation component.
const UIIntentRenderComponent UIIntentType = "RENDER_COMPONENT"

// Component names the client knows how to render.
const (
	ComponentNetworkStatus  = "NetworkStatus"
	ComponentYourAssets     = "YourAssets"
	ComponentLendingSection = "LendingSection"
	ComponentTokenSwap      = "TokenSwap"
	ComponentPerpetuals     = "PerpetualsSection"
	ComponentRecentActivity = "RecentActivity"
)

// UIIntent is a descriptor telling the client which presentation component to
// render and with what props.
type UIIntent struct {
	Type      UIIntentType   `json:"type"`
	Component string         `json:"component"`
	Props     map[string]any `json:"props,omitempty"`
}
