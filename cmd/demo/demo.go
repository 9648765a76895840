package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/keyshield/internal/config"
	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
	"github.com/mbd888/keyshield/internal/logging"
	"github.com/mbd888/keyshield/internal/petition"
	"github.com/mbd888/keyshield/internal/profile"
	"github.com/mbd888/keyshield/internal/recovery"
	"github.com/mbd888/keyshield/internal/shield"
	"github.com/mbd888/keyshield/internal/signer"
	"github.com/mbd888/keyshield/internal/signing"
)

// factorNames are the names accepted by --decline.
var factorNames = []string{"device", "password", "arculus", "ledger", "mnemonic", "payer"}

type rootOptions struct {
	decline  []string
	password string
	verbose  bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Sign and recover with a demo security shield",
		Long: `Creates software factor sources (device seed, BIP-39 mnemonic,
password, Arculus and Ledger stand-ins), builds a shield from them and
securifies an account with it. Subcommands then sign through a local
keyring; --decline makes the named factor sources refuse to sign.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range opts.decline {
				if !isFactorName(name) {
					return fmt.Errorf("unknown factor %q: must be one of %v", name, factorNames)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.decline, "decline", nil, "factor sources that decline to sign ("+strings.Join(factorNames, ",")+")")
	cmd.PersistentFlags().StringVar(&opts.password, "password", "correct horse battery staple", "password factor secret")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	cmd.AddCommand(newSignCommand(opts))
	cmd.AddCommand(newRecoverCommand(opts))
	return cmd
}

func newSignCommand(opts *rootOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a batch of transfers from the securified account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return env.signBatch(cmd.Context(), cmd.OutOrStdout(), count)
		},
	}
	cmd.Flags().IntVar(&count, "transactions", 3, "number of transactions in the batch")
	return cmd
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	var rotateAuth bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Replace the account's shield through the recovery ladder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return env.recover(cmd.Context(), cmd.OutOrStdout(), rotateAuth)
		},
	}
	cmd.Flags().BoolVar(&rotateAuth, "rotate-auth", false, "the new shield also rotates the authentication signing key")
	return cmd
}

func isFactorName(name string) bool {
	for _, n := range factorNames {
		if n == name {
			return true
		}
	}
	return false
}

// env is one demo wallet: its factor sources, the shield, the
// securified account and a separate fee payer.
type env struct {
	factors map[string]*signer.SoftwareFactor
	shield  *shield.SecurityShield
	account *profile.Entity
	payer   *profile.Entity
	keyring *signing.Keyring
	cfg     *config.Config
	logger  *slog.Logger
}

func setup(opts *rootOptions, logOut io.Writer) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	e := &env{
		factors: make(map[string]*signer.SoftwareFactor),
		cfg:     cfg,
		logger:  logging.NewWriter(logOut, level, "text"),
	}
	if err := e.createFactors(opts.password); err != nil {
		return nil, err
	}
	if err := e.buildShield(); err != nil {
		return nil, err
	}
	if err := e.createEntities(); err != nil {
		return nil, err
	}

	signers := make([]signing.KeySigner, 0, len(e.factors))
	for _, name := range factorNames {
		signers = append(signers, e.factors[name])
	}
	e.keyring = signing.NewKeyring(signers...)
	declined := make([]factors.FactorSourceID, 0, len(opts.decline))
	for _, name := range opts.decline {
		declined = append(declined, e.factors[name].ID())
	}
	e.keyring.SetDecision(signing.Decline(declined...))
	return e, nil
}

func (e *env) createFactors(password string) error {
	mnemonic, err := signer.NewMnemonic()
	if err != nil {
		return err
	}
	deviceMnemonic, err := signer.NewMnemonic()
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		make func() (*signer.SoftwareFactor, error)
	}{
		{"device", func() (*signer.SoftwareFactor, error) {
			return signer.NewFromMnemonic(factors.KindDevice, deviceMnemonic, "", "This phone")
		}},
		{"password", func() (*signer.SoftwareFactor, error) { return signer.NewFromPassword(password, "Password") }},
		{"arculus", func() (*signer.SoftwareFactor, error) { return signer.Generate(factors.KindArculusCard, "Arculus card") }},
		{"ledger", func() (*signer.SoftwareFactor, error) {
			return signer.Generate(factors.KindLedgerHQHardwareWallet, "Ledger Nano")
		}},
		{"mnemonic", func() (*signer.SoftwareFactor, error) {
			return signer.NewFromMnemonic(factors.KindOffDeviceMnemonic, mnemonic, "", "Paper backup")
		}},
		{"payer", func() (*signer.SoftwareFactor, error) { return signer.Generate(factors.KindDevice, "Payer phone") }},
	}
	for _, step := range steps {
		f, err := step.make()
		if err != nil {
			return fmt.Errorf("create %s factor: %w", step.name, err)
		}
		e.factors[step.name] = f
	}
	return nil
}

// buildShield: Primary needs device and password, or Arculus alone.
// Recovery is the Ledger, Confirmation the paper mnemonic.
func (e *env) buildShield() error {
	id := func(name string) *factors.FactorSourceID {
		fid := e.factors[name].ID()
		return &fid
	}
	b := shield.NewBuilder()
	report := shield.Run(b, []shield.Operation{
		{Op: shield.OpSetName, Name: "Demo shield"},
		{Op: shield.OpAddThreshold, Role: shield.RolePrimary, Factor: id("device")},
		{Op: shield.OpAddThreshold, Role: shield.RolePrimary, Factor: id("password")},
		{Op: shield.OpAddOverride, Role: shield.RolePrimary, Factor: id("arculus")},
		{Op: shield.OpAddOverride, Role: shield.RoleRecovery, Factor: id("ledger")},
		{Op: shield.OpAddOverride, Role: shield.RoleConfirmation, Factor: id("mnemonic")},
		{Op: shield.OpSetAuthFactor, Factor: id("device")},
		{Op: shield.OpSetDays, Days: e.cfg.DaysUntilAutoConfirm()},
	})
	for _, res := range report.Results {
		if !res.Accepted {
			return fmt.Errorf("shield operation %d (%s) rejected: %v %s", res.Index, res.Op, res.Violation, res.Error)
		}
	}
	s, err := b.Build()
	if err != nil {
		return err
	}
	e.shield = s
	return nil
}

func (e *env) createEntities() error {
	byID := make(map[factors.FactorSourceID]*signer.SoftwareFactor, len(e.factors))
	for _, f := range e.factors {
		byID[f.ID()] = f
	}
	matrix, err := shield.Instantiate(e.shield.Matrix, func(role shield.Role, id factors.FactorSourceID) (factors.FactorInstance, error) {
		f, ok := byID[id]
		if !ok {
			return factors.FactorInstance{}, fmt.Errorf("no factor source %s", id.Short())
		}
		return f.Instance("account/0/" + string(role))
	})
	if err != nil {
		return err
	}
	e.account = &profile.Entity{
		Address: "account_demo",
		Kind:    factors.EntityAccount,
		Name:    "Demo account",
		Control: profile.Control{Securified: &profile.SecurifiedControl{
			ShieldID:         e.shield.ID,
			AccessController: "accesscontroller_demo",
			Matrix:           matrix,
		}},
	}

	payerInstance, err := e.factors["payer"].Instance("account/1")
	if err != nil {
		return err
	}
	e.payer = &profile.Entity{
		Address: "account_payer",
		Kind:    factors.EntityAccount,
		Name:    "Fee payer",
		Control: profile.Control{Unsecured: &profile.UnsecuredControl{Instance: payerInstance}},
	}
	if err := e.account.Validate(); err != nil {
		return err
	}
	return e.payer.Validate()
}

func (e *env) collector() *signing.Collector {
	return signing.NewCollector(e.keyring,
		signing.WithLogger(e.logger),
		signing.WithRoundTimeout(e.cfg.SigningRoundTimeout),
	)
}

func (e *env) signBatch(ctx context.Context, out io.Writer, count int) error {
	if count < 1 {
		return errors.New("--transactions must be at least 1")
	}
	reqs := make([]petition.Request, 0, count)
	for i := 0; i < count; i++ {
		ti, err := intents.New(
			intents.Header{NetworkID: 2, StartEpoch: 100, EndEpoch: 110, Nonce: uint32(i)},
			intents.Manifest{Instructions: fmt.Sprintf("transfer %d XRD from %s", i+1, e.account.Address)},
			"",
		)
		if err != nil {
			return err
		}
		reqs = append(reqs, petition.Request{
			Intent: ti,
			Signers: []petition.Signer{
				{Entity: e.account.Address, Role: shield.RolePrimary, Spec: e.account.RoleSigners(shield.RolePrimary)},
				{Entity: e.payer.Address, Role: shield.RolePrimary, Spec: e.payer.RoleSigners(shield.RolePrimary)},
			},
		})
	}

	outcome, err := e.collector().Collect(ctx, reqs)
	if err != nil && !errors.Is(err, signing.ErrInterrupted) {
		return err
	}
	e.printShield(out)
	fmt.Fprintf(out, "\nBatch of %d: %d signed, %d failed\n", count, len(outcome.SuccessfulIntents()), len(outcome.FailedIntents()))
	for _, tx := range outcome.Successful {
		fmt.Fprintf(out, "  signed  %s by %s\n", tx.Intent.Hash().Short(), e.names(tx.Signatures))
	}
	for _, tx := range outcome.Failed {
		fmt.Fprintf(out, "  failed  %s\n", tx.Intent.Hash().Short())
	}
	for _, n := range outcome.Neglected {
		fmt.Fprintf(out, "  skipped %s (%s)\n", e.name(n.FactorSourceID), n.Reason)
	}
	return err
}

func (e *env) recover(ctx context.Context, out io.Writer, rotateAuth bool) error {
	builder := recovery.ManifestBuilderFunc(func(_ context.Context, p recovery.Proposal) ([]recovery.VariantIntent, error) {
		vis := make([]recovery.VariantIntent, 0, len(recovery.Variants))
		for i, v := range recovery.Variants {
			ti, err := intents.New(
				intents.Header{NetworkID: 2, StartEpoch: 100, EndEpoch: 110, Nonce: uint32(1000 + i)},
				intents.Manifest{Instructions: fmt.Sprintf("%s: set shield %s on %s, fee from %s", v, p.Shield.ID, p.Entity.Address, p.PayerAddress())},
				"",
			)
			if err != nil {
				return nil, err
			}
			vis = append(vis, recovery.VariantIntent{Variant: v, Intent: ti, NeedsPrimary: rotateAuth})
		}
		return vis, nil
	})

	orch := recovery.NewOrchestrator(e.collector(), builder, recovery.WithLogger(e.logger))
	res, err := orch.Recover(ctx, recovery.Proposal{Entity: e.account, Shield: e.shield, Payer: e.payer})
	e.printShield(out)
	if err != nil {
		fmt.Fprintf(out, "\nRecovery failed: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "\nRecovered with %s\n", res.Variant)
	fmt.Fprintf(out, "  intent %s signed by %s\n", res.SignedIntent.Intent.Hash().Short(), e.names(res.SignedIntent.Signatures))
	return nil
}

func (e *env) printShield(out io.Writer) {
	fmt.Fprintf(out, "Shield %q (%s), auto-confirm after %d day(s)\n", e.shield.Name, e.shield.ID, e.shield.DaysUntilAutoConfirm)
	for _, role := range shield.Roles {
		spec := e.shield.Matrix.Role(role)
		fmt.Fprintf(out, "  %-12s threshold %s of [%s], override [%s]\n", role, spec.Threshold,
			e.joinNames(spec.ThresholdFactors), e.joinNames(spec.OverrideFactors))
	}
	var hardware []string
	for _, name := range factorNames {
		if f, ok := e.factors[name]; ok && f.ID().Kind.IsHardware() {
			hardware = append(hardware, name)
		}
	}
	fmt.Fprintf(out, "  hardware factors: %s\n", strings.Join(hardware, ", "))
}

func (e *env) name(id factors.FactorSourceID) string {
	for name, f := range e.factors {
		if f.ID() == id {
			return name
		}
	}
	return id.Short()
}

func (e *env) joinNames(ids []factors.FactorSourceID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = e.name(id)
	}
	return strings.Join(names, ", ")
}

func (e *env) names(sigs []intents.HDSignature) string {
	ids := make([]factors.FactorSourceID, len(sigs))
	for i, sig := range sigs {
		ids[i] = sig.FactorSourceID()
	}
	return e.joinNames(ids)
}
