package commands

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/intralog/drawbridge/pkg/config"
)

func newConfigureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "configure",
		Short: "Edit the configuration interactively",
		Long: `Open a terminal form over the most commonly changed settings. Values are
read from the config file (or defaults when it does not exist yet) and
written back on save. Settings not shown in the form are preserved.`,
		Example: `  # Edit the default config file
  drawbridge configure

  # Edit a specific file
  drawbridge configure --config /etc/drawbridge/drawbridge.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if _, err := os.Stat(configPath); err == nil {
				loaded, err := config.Load(configPath)
				if err == nil {
					cfg = loaded
				}
				// An invalid file still opens the form; that is usually why
				// the operator is here.
			}

			model := newConfigureModel(cfg)
			final, err := tea.NewProgram(model).Run()
			if err != nil {
				return err
			}

			m := final.(configureModel)
			if !m.saved {
				fmt.Println("No changes saved.")
				return nil
			}
			if err := m.apply(cfg); err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Printf("Saved %s.\n", configPath)
			return nil
		},
	}
}

var (
	formTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	formLabelStyle  = lipgloss.NewStyle().Width(24)
	formActiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	formHelpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	formErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// formField binds one text input to a config setting.
type formField struct {
	label string
	input textinput.Model
	apply func(cfg *config.Config, value string) error
}

// configureModel is the bubbletea model for the settings form: a flat list
// of fields, one focused at a time.
type configureModel struct {
	fields []formField
	focus  int
	saved  bool
	errMsg string
}

func newConfigureModel(cfg *config.Config) configureModel {
	m := configureModel{}

	add := func(label, value, placeholder string, apply func(cfg *config.Config, value string) error) {
		input := textinput.New()
		input.SetValue(value)
		input.Placeholder = placeholder
		input.CharLimit = 256
		m.fields = append(m.fields, formField{label: label, input: input, apply: apply})
	}

	add("Watch roots", strings.Join(cfg.Watch.Roots, ", "), "/mnt/drawings/*",
		func(cfg *config.Config, v string) error {
			roots := splitList(v)
			if len(roots) == 0 {
				return fmt.Errorf("at least one watch root is required")
			}
			cfg.Watch.Roots = roots
			return nil
		})
	add("Quiet period", cfg.Watch.QuietPeriod.String(), "5s",
		func(cfg *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("quiet period must be a positive duration")
			}
			cfg.Watch.QuietPeriod = d
			return nil
		})
	add("Workers", strconv.Itoa(cfg.Executor.Workers), "4",
		func(cfg *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("workers must be a positive integer")
			}
			cfg.Executor.Workers = n
			return nil
		})
	add("Odoo URL", cfg.Odoo.URL, "https://crm.example.com",
		func(cfg *config.Config, v string) error { cfg.Odoo.URL = v; return nil })
	add("Odoo database", cfg.Odoo.Database, "prod",
		func(cfg *config.Config, v string) error { cfg.Odoo.Database = v; return nil })
	add("Odoo username", cfg.Odoo.Username, "intake-bot",
		func(cfg *config.Config, v string) error { cfg.Odoo.Username = v; return nil })
	add("Share host", cfg.Remote.Host, "files.example.com",
		func(cfg *config.Config, v string) error { cfg.Remote.Host = v; return nil })
	add("Share user", cfg.Remote.User, "drawbridge",
		func(cfg *config.Config, v string) error { cfg.Remote.User = v; return nil })
	add("Share base folder", cfg.Remote.BaseFolder, "/Projects",
		func(cfg *config.Config, v string) error { cfg.Remote.BaseFolder = v; return nil })
	add("SMTP host", cfg.Email.Host, "mail.example.com",
		func(cfg *config.Config, v string) error {
			cfg.Email.Host = v
			cfg.Email.Enabled = v != ""
			return nil
		})
	add("Email from", cfg.Email.From, "drawbridge@example.com",
		func(cfg *config.Config, v string) error { cfg.Email.From = v; return nil })
	add("Project managers", joinDirectory(cfg.Email.ProjectManagers), "Pat Smith=pat@example.com, ...",
		func(cfg *config.Config, v string) error {
			dir, err := splitDirectory(v)
			if err != nil {
				return err
			}
			cfg.Email.ProjectManagers = dir
			return nil
		})
	add("Drafters", joinDirectory(cfg.Email.Drafters), "Lee Wong=lee@example.com, ...",
		func(cfg *config.Config, v string) error {
			dir, err := splitDirectory(v)
			if err != nil {
				return err
			}
			cfg.Email.Drafters = dir
			return nil
		})
	add("Portal URL", cfg.Portal.URL, "https://portal.example.com",
		func(cfg *config.Config, v string) error {
			cfg.Portal.URL = v
			cfg.Portal.Enabled = v != ""
			return nil
		})

	m.fields[0].input.Focus()
	return m
}

// joinDirectory flattens a name→address map into "Name=addr, Name=addr" form
// for editing; splitDirectory reverses it.
func joinDirectory(dir map[string]string) string {
	names := make([]string, 0, len(dir))
	for name := range dir {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+dir[name])
	}
	return strings.Join(parts, ", ")
}

func splitDirectory(v string) (map[string]string, error) {
	dir := map[string]string{}
	for _, entry := range splitList(v) {
		name, addr, ok := strings.Cut(entry, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("entry %q is not Name=address", entry)
		}
		dir[name] = addr
	}
	return dir, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// apply writes every field's value into cfg, stopping at the first invalid one.
func (m configureModel) apply(cfg *config.Config) error {
	for _, f := range m.fields {
		if err := f.apply(cfg, strings.TrimSpace(f.input.Value())); err != nil {
			return fmt.Errorf("%s: %w", f.label, err)
		}
	}
	return nil
}

func (m configureModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m configureModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.saved = false
			return m, tea.Quit

		case "ctrl+s":
			// Dry-run the form against a scratch config so a bad value keeps
			// the form open instead of aborting the save.
			scratch := config.Default()
			if err := m.apply(scratch); err != nil {
				m.errMsg = err.Error()
				return m, nil
			}
			m.saved = true
			return m, tea.Quit

		case "up", "shift+tab":
			m.setFocus((m.focus - 1 + len(m.fields)) % len(m.fields))
			return m, nil

		case "down", "tab", "enter":
			m.setFocus((m.focus + 1) % len(m.fields))
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.fields[m.focus].input, cmd = m.fields[m.focus].input.Update(msg)
	return m, cmd
}

func (m *configureModel) setFocus(idx int) {
	m.fields[m.focus].input.Blur()
	m.focus = idx
	m.fields[m.focus].input.Focus()
	m.errMsg = ""
}

func (m configureModel) View() string {
	var b strings.Builder
	b.WriteString(formTitleStyle.Render("Drawbridge Settings"))
	b.WriteString("\n\n")

	for i, f := range m.fields {
		label := formLabelStyle.Render(f.label)
		if i == m.focus {
			label = formActiveStyle.Render(label)
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, f.input.View()))
	}

	b.WriteString("\n")
	if m.errMsg != "" {
		b.WriteString(formErrorStyle.Render(m.errMsg))
		b.WriteString("\n")
	}
	b.WriteString(formHelpStyle.Render("tab/↑↓ move · ctrl+s save · esc quit"))
	b.WriteString("\n")
	return b.String()
}
