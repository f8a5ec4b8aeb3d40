package cloud

// WorkspaceStatus is the provider-side lifecycle state of a workspace.
type WorkspaceStatus string

const (
	WorkspaceStatusRunning  WorkspaceStatus = "running"
	WorkspaceStatusPaused   WorkspaceStatus = "paused"
	WorkspaceStatusResuming WorkspaceStatus = "resuming"
	WorkspaceStatusPausing  WorkspaceStatus = "pausing"
	WorkspaceStatusUpdating WorkspaceStatus = "updating"
	WorkspaceStatusUnknown  WorkspaceStatus = "unknown"
)

type ResourceMeta struct {
	ID            string `json:"id"`
	IP            string `json:"ip"`
	VMID          string `json:"vm_id"`
	WorkspaceFQDN string `json:"workspace_fqdn"`
	FlavorName    string `json:"flavor_name"`
	InstanceUser  string `json:"instance_user"`
}

type Workspace struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Status       WorkspaceStatus `json:"status"`
	Active       bool            `json:"active"`
	Actions      []string        `json:"actions"`
	ResourceMeta ResourceMeta    `json:"resource_meta"`
}

func (w *Workspace) IPAddress() string {
	return w.ResourceMeta.IP
}

type WorkspaceListResponse struct {
	Count    int          `json:"count"`
	Next     *string      `json:"next"`
	Previous *string      `json:"previous"`
	Results  []*Workspace `json:"results"`
}

// ActionResponse is the workspace object as returned by pause/resume
// actions.
type ActionResponse struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Status WorkspaceStatus `json:"status"`
}
