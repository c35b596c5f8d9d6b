package seed

import (
	"fmt"
	"regexp"
)

// Share of the raise carried by each starter milestone, in percent.
const (
	usersShare       = 20
	initialFundShare = 30
	productShare     = 30
	growthFundShare  = 20
	percent          = 100
	defaultFunding   = 100
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// DefaultStartups is the onboarding set of the built-in registry.
func DefaultStartups() []Startup {
	return []Startup{
		{ID: "learny-hive-001", Name: "LearnyHive", FundingMilli: 450},
		{ID: "saathi-app-001", Name: "Saathi App", FundingMilli: 200},
		{ID: "kampus-001", Name: "Kampus", FundingMilli: 500},
		{ID: "nologin-001", Name: "NoLogin", FundingMilli: 100},
		{ID: "campus-founders-001", Name: "Campus Founders", FundingMilli: 300},
	}
}

// StarterMilestones returns the four milestones every onboarded startup
// begins with: users, initial funding, product and growth funding.
func StarterMilestones(s Startup) []Milestone {
	funding := s.FundingMilli
	if funding == 0 {
		funding = defaultFunding
	}
	name := s.Name
	if name == "" {
		name = s.ID
	}
	plan := []struct {
		typ   string
		label string
		share uint64
	}{
		{"users", "User Growth Milestone", usersShare},
		{"funding", "Initial Funding Milestone", initialFundShare},
		{"product", "Product Development Milestone", productShare},
		{"funding", "Growth Funding Milestone", growthFundShare},
	}
	out := make([]Milestone, len(plan))
	for i, p := range plan {
		out[i] = Milestone{
			Type:        p.typ,
			Value:       funding * p.share / percent,
			Description: fmt.Sprintf("%s - %s", name, p.label),
			ProofRef:    fmt.Sprintf("QmStartup%sMilestone%dHash", nonAlnum.ReplaceAllString(s.ID, ""), i),
		}
	}
	return out
}
