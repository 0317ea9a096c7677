package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bdobrica/feelix/common/clock"
	"github.com/bdobrica/feelix/common/environment"
	"github.com/bdobrica/feelix/internal/feelix/audit"
	"github.com/bdobrica/feelix/internal/feelix/entitlement"
	"github.com/bdobrica/feelix/internal/feelix/store"
)

var premiumCmd = &cobra.Command{
	Use:   "premium",
	Short: "Inspect and grant Premium from the command line",
	Long: `Premium works on the database in FEELIX_DB_PATH directly. Run it while the
bot is stopped, or accept that a running bot may overwrite a concurrent change
to the same user.`,
}

var premiumGrantCmd = &cobra.Command{
	Use:   "grant <user-id>",
	Short: "Grant Premium to a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runPremiumGrant,
}

var premiumShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's entitlement record",
	Args:  cobra.ExactArgs(1),
	RunE:  runPremiumShow,
}

var grantDays int

func init() {
	premiumGrantCmd.Flags().IntVar(&grantDays, "days", 30, "Premium duration in days")
	premiumCmd.AddCommand(premiumGrantCmd, premiumShowCmd)
	rootCmd.AddCommand(premiumCmd)
}

func openEntitlements() (*store.Store, *entitlement.Store, error) {
	st, err := store.Open(environment.StringOr("FEELIX_DB_PATH", "./feelix.db"), nil)
	if err != nil {
		return nil, nil, err
	}
	ents := entitlement.NewStore(st.DB(), entitlement.Config{
		DailyBudget: environment.IntOr("FEELIX_DAILY_BUDGET", 7000),
	}, clock.System{}, nil)
	return st, ents, nil
}

func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", arg)
	}
	return id, nil
}

func runPremiumGrant(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	st, ents, err := openEntitlements()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := ents.MarkPremium(cmd.Context(), userID, grantDays)
	if err != nil {
		return err
	}
	log := audit.NewLog(st.DB(), clock.System{})
	if err := log.Write(cmd.Context(), audit.Entry{
		Action:  audit.KindPremiumGranted,
		Target:  strconv.FormatInt(userID, 10),
		Payload: audit.Payload{"days": grantDays, "premium_until": rec.PremiumUntil, "source": "cli"},
		Result:  audit.ResultSuccess,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "User %d is Premium until %s.\n", userID, rec.PremiumUntil.Format("02.01.2006 15:04"))
	return nil
}

func runPremiumShow(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	st, ents, err := openEntitlements()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := ents.Get(cmd.Context(), userID)
	if err != nil {
		return err
	}
	now := ents.Now()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:           %d\n", rec.UserID)
	fmt.Fprintf(out, "premium:        %t\n", rec.IsPremium(now))
	if rec.IsPremium(now) {
		fmt.Fprintf(out, "premium until:  %s\n", rec.PremiumUntil.Format("02.01.2006 15:04"))
	}
	fmt.Fprintf(out, "trial used:     %t\n", rec.FreeTrialUsed)
	fmt.Fprintf(out, "usage:          %d chars\n", rec.Usage.Chars)
	if !rec.Usage.Window.Expired(now) {
		fmt.Fprintf(out, "window resets:  %s\n", rec.Usage.Window.ResetAt.Format("02.01.2006 15:04"))
	}
	return nil
}
