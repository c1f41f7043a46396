package classify

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Theme is one entry of the theme taxonomy.
type Theme struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords,omitempty"`
}

// Taxonomy is the closed vocabulary the classifier chooses from.
type Taxonomy struct {
	Themes     []Theme  `yaml:"themes"`
	Industries []string `yaml:"industries"`
}

// DefaultTaxonomy returns the built-in 21 themes and 8 industries.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Themes: []Theme{
			{"AI & Machine Learning", "Artificial intelligence, machine learning models, neural networks, deep learning, NLP, computer vision", []string{"AI", "ML", "neural network", "deep learning", "NLP", "computer vision", "LLM"}},
			{"Cloud & Infrastructure", "Cloud computing, infrastructure as code, containerization, orchestration, serverless, DevOps", []string{"cloud", "Kubernetes", "Docker", "serverless", "DevOps"}},
			{"Data Analytics & Visualization", "Data analysis, business intelligence, dashboards, reporting, data visualization, insights", []string{"analytics", "dashboard", "BI", "reporting"}},
			{"Cybersecurity", "Security solutions, threat detection, encryption, authentication, compliance, privacy", []string{"security", "encryption", "threat", "compliance", "privacy"}},
			{"Blockchain & Web3", "Blockchain technology, cryptocurrency, smart contracts, DeFi, NFTs, distributed ledger", []string{"blockchain", "smart contract", "DeFi", "Web3"}},
			{"IoT & Edge Computing", "Internet of Things, edge devices, sensors, embedded systems, real-time processing", []string{"IoT", "edge", "sensor", "embedded", "telemetry"}},
			{"Mobile Applications", "Mobile app development, iOS, Android, cross-platform, mobile UX, responsive design", []string{"mobile", "iOS", "Android", "Flutter"}},
			{"Web Applications", "Web development, frontend, backend, full-stack, web frameworks, APIs", []string{"web", "frontend", "backend", "API"}},
			{"Automation & RPA", "Process automation, robotic process automation, workflow automation, task automation", []string{"automation", "RPA", "workflow", "bot"}},
			{"Sustainability & Green Tech", "Environmental solutions, carbon tracking, renewable energy, sustainability, climate tech", []string{"sustainability", "carbon", "renewable", "climate"}},
			{"Healthcare & Wellness", "Health tech, telemedicine, patient care, medical devices, wellness apps, health monitoring", []string{"health", "medical", "patient", "telemedicine"}},
			{"Education & Learning", "EdTech, e-learning, training platforms, skill development, educational tools", []string{"education", "learning", "training", "EdTech"}},
			{"Finance & FinTech", "Financial technology, payments, banking, investment, personal finance, trading", []string{"finance", "payment", "banking", "FinTech"}},
			{"Supply Chain & Logistics", "Supply chain management, logistics optimization, inventory, tracking, warehouse management", []string{"supply chain", "logistics", "inventory", "warehouse"}},
			{"Customer Experience", "CX improvement, customer service, chatbots, personalization, customer engagement", []string{"customer", "CX", "chatbot", "personalization"}},
			{"HR & Workforce Management", "Human resources, recruitment, employee engagement, workforce planning, talent management", []string{"HR", "recruitment", "workforce", "talent"}},
			{"Collaboration & Productivity", "Team collaboration, productivity tools, project management, communication platforms", []string{"collaboration", "productivity", "project management"}},
			{"Gaming & Entertainment", "Game development, entertainment platforms, AR/VR experiences, interactive media", []string{"game", "AR", "VR", "metaverse"}},
			{"Social Impact", "Social good, community development, accessibility, inclusion, humanitarian tech", []string{"community", "accessibility", "inclusion", "nonprofit"}},
			{"Smart Cities", "Urban technology, smart infrastructure, traffic management, public services, city planning", []string{"smart city", "urban", "traffic", "municipal"}},
			{"Other", "Ideas that don't fit into the above categories or span multiple domains", nil},
		},
		Industries: []string{
			"BFSI (Banking, Financial Services, Insurance)",
			"CMT (Communications, Media, Technology)",
			"Healthcare & Life Sciences",
			"Manufacturing",
			"Retail & Consumer Goods",
			"Energy & Utilities",
			"Public Services & Government",
			"Other",
		},
	}
}

// LoadTaxonomy reads a YAML taxonomy file. An empty path returns the default.
func LoadTaxonomy(path string) (Taxonomy, error) {
	if path == "" {
		return DefaultTaxonomy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Taxonomy{}, eris.Wrapf(err, "classify: read taxonomy %s", path)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Taxonomy{}, eris.Wrapf(err, "classify: parse taxonomy %s", path)
	}
	if err := t.Validate(); err != nil {
		return Taxonomy{}, eris.Wrapf(err, "classify: taxonomy %s", path)
	}
	return t, nil
}

// Validate checks the taxonomy is non-empty and free of duplicates.
func (t Taxonomy) Validate() error {
	if len(t.Themes) == 0 {
		return eris.New("no themes defined")
	}
	if len(t.Industries) == 0 {
		return eris.New("no industries defined")
	}
	seen := make(map[string]bool)
	for _, th := range t.Themes {
		name := strings.TrimSpace(th.Name)
		if name == "" {
			return eris.New("theme with empty name")
		}
		if seen[name] {
			return eris.Errorf("duplicate theme %q", name)
		}
		seen[name] = true
	}
	seen = make(map[string]bool)
	for _, ind := range t.Industries {
		if seen[ind] {
			return eris.Errorf("duplicate industry %q", ind)
		}
		seen[ind] = true
	}
	return nil
}

// HasTheme reports whether name is a taxonomy theme.
func (t Taxonomy) HasTheme(name string) bool {
	for _, th := range t.Themes {
		if th.Name == name {
			return true
		}
	}
	return false
}

// HasIndustry reports whether name is a taxonomy industry.
func (t Taxonomy) HasIndustry(name string) bool {
	for _, ind := range t.Industries {
		if ind == name {
			return true
		}
	}
	return false
}
