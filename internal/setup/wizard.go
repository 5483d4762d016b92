// Package setup runs the interactive configuration wizard.
package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/vault/config"
)

// DefaultOutput file the wizard writes.
const DefaultOutput = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers collected by the wizard, kept as raw strings until Config.
type Answers struct {
	Platform   string
	Storage    string
	WALDir     string
	Addr       string
	TLSDomains string
	Fee        string
	FeeAccount string
	LockWindow string
}

// DefaultAnswers mirrors the built-in configuration.
func DefaultAnswers() Answers {
	def := config.DefaultTmp()
	return Answers{
		Platform:   def.Pricing.Platform,
		Storage:    def.Ledger.Storage,
		WALDir:     def.Ledger.WALDir,
		Addr:       def.Web.Addr,
		Fee:        def.Conversion.Fee,
		FeeAccount: def.Conversion.FeeAccount,
		LockWindow: def.Conversion.LockWindow.String(),
	}
}

// Config overlays the answers on the defaults and validates the result.
func (a Answers) Config() (config.ConfigTmp, error) {
	tmp := config.DefaultTmp()
	tmp.Pricing.Platform = a.Platform
	tmp.Ledger.Storage = a.Storage
	tmp.Ledger.WALDir = a.WALDir
	tmp.Web.Addr = a.Addr
	tmp.Web.TLSDomains = splitDomains(a.TLSDomains)
	tmp.Conversion.Fee = a.Fee
	tmp.Conversion.FeeAccount = strings.TrimSpace(a.FeeAccount)

	if a.LockWindow != "" {
		d, err := time.ParseDuration(a.LockWindow)
		if err != nil {
			return config.ConfigTmp{}, errors.Wrap(err, "lock window")
		}
		tmp.Conversion.LockWindow = d
	}

	if _, err := tmp.Build(); err != nil {
		return config.ConfigTmp{}, err
	}
	return tmp, nil
}

// Write stores tmp as yaml at path.
func Write(path string, tmp config.ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// RunTUI launches the terminal configuration wizard and returns the written file path.
func RunTUI() (string, error) {
	answers := DefaultAnswers()
	var confirm bool

	screen("Let's get your ledger configured.\n")
	fmt.Println(stepStyle.Render("STEP 1: PRICING"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should conversion rates come from?").
				Options(
					huh.NewOption("Static prices (no network)", config.PlatformStatic),
					huh.NewOption("Binance", config.PlatformBinance),
					huh.NewOption("Bybit", config.PlatformBybit),
					huh.NewOption("Hyperliquid", config.PlatformHyperliquid),
				).
				Value(&answers.Platform),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("")
	fmt.Println(stepStyle.Render("STEP 2: STORAGE"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Ledger storage").
				Options(
					huh.NewOption("Write-ahead log on disk", config.StorageWAL),
					huh.NewOption("PostgreSQL ("+config.PostgresDSNEnv+")", config.StoragePostgres),
				).
				Value(&answers.Storage),
		),
	).Run()
	if err != nil {
		return "", err
	}

	if answers.Storage == config.StorageWAL {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("WAL directory").
					Value(&answers.WALDir).
					Validate(notEmpty("directory")),
			),
		).Run()
		if err != nil {
			return "", err
		}
	}

	screen("")
	fmt.Println(stepStyle.Render("STEP 3: CONVERSION"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Conversion fee").
				Description("Fraction of the output, e.g. 0.001 for 0.1%").
				Value(&answers.Fee).
				Validate(validateFee),
			huh.NewInput().
				Title("Fee account").
				Description("Account credited with fees; leave empty to burn them").
				Value(&answers.FeeAccount),
			huh.NewInput().
				Title("Quote lock window").
				Description("Duration string (e.g. 18s, 1m)").
				Value(&answers.LockWindow).
				Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("")
	fmt.Println(stepStyle.Render("STEP 4: HTTP"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Value(&answers.Addr).
				Validate(notEmpty("address")),
			huh.NewInput().
				Title("TLS domains").
				Description("Comma separated; leave empty to serve plain HTTP").
				Value(&answers.TLSDomains),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("")
	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(answers.summary()))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", errors.New("setup cancelled by user")
	}

	tmp, err := answers.Config()
	if err != nil {
		return "", err
	}
	if err := Write(DefaultOutput, tmp); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting vault...", DefaultOutput)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return DefaultOutput, nil
}

func screen(tagline string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("VAULT CONFIG WIZARD"))
	if tagline != "" {
		fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render(tagline))
	}
}

func (a Answers) summary() string {
	storage := a.Storage
	if storage == config.StorageWAL {
		storage += " (" + a.WALDir + ")"
	}
	feeAccount := a.FeeAccount
	if feeAccount == "" {
		feeAccount = "none, fees burned"
	}
	return fmt.Sprintf(
		"Pricing: %s\nStorage: %s\nFee: %s -> %s\nLock window: %s\nListen: %s\n",
		a.Platform, storage, a.Fee, feeAccount, a.LockWindow, a.Addr,
	)
}

func validateFee(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("must be at least 0 and below 1")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func notEmpty(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", what)
		}
		return nil
	}
}

func splitDomains(s string) []string {
	var out []string
	for _, d := range strings.Split(s, ",") {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	return out
}
