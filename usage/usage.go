package usage

// Resource identifies a countable resource owned by a company
type Resource string

// Defining the resources whose counts are limited per plan
const (
	ResourceWorkspaces Resource = "workspaces"
	ResourceSheets     Resource = "sheets"
	ResourceMembers    Resource = "members"
	ResourceViewers    Resource = "viewers"
	ResourceTasks      Resource = "tasks"
)

// Counts holds a company's current resource counts. The counted tables are
// owned by the rest of the platform; this core reads them only.
type Counts struct {
	Workspaces int64 `json:"workspaces"`
	Sheets     int64 `json:"sheets"`
	Members    int64 `json:"members"`
	Viewers    int64 `json:"viewers"`
	Tasks      int64 `json:"tasks"`
}

// Get returns the count for a single resource
func (c *Counts) Get(r Resource) int64 {
	switch r {
	case ResourceWorkspaces:
		return c.Workspaces
	case ResourceSheets:
		return c.Sheets
	case ResourceMembers:
		return c.Members
	case ResourceViewers:
		return c.Viewers
	case ResourceTasks:
		return c.Tasks
	}
	return 0
}
