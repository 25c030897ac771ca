package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"lomitalk/backend/internal/complaint"
	"lomitalk/backend/internal/config"
	"lomitalk/backend/internal/ledger"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"lomitalk/backend/internal/userlock"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const usage = `Usage: admin <command> [flags]

Commands:
  add-points     --user ID | --telegram ID  --amount N [--memo TEXT] [--admin NAME]
  remove-points  --user ID | --telegram ID  --amount N [--memo TEXT] [--admin NAME]
  view-user      --user ID | --telegram ID
  history        --user ID | --telegram ID  [--limit N]
  reports        [--status pending|reviewed|all] [--limit N]
  review-report  --id N
`

var errUsage = errors.New("invalid usage")

// app holds what the commands operate on.
type app struct {
	Storage    storage.Storage
	Ledger     *ledger.Ledger
	Complaints *complaint.Service
	out        io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	db, err := gorm.Open(postgres.Open(cfg.Storage.DSN()), &gorm.Config{TranslateError: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect database: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a := newApp(storage.NewStorageService(db), os.Stdout, log)

	if err := a.run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(s storage.Storage, out io.Writer, log *slog.Logger) *app {
	// List and Review never touch sessions.
	return &app{
		Storage:    s,
		Ledger:     ledger.New(s, userlock.New(), log),
		Complaints: complaint.NewService(s, nil, log),
		out:        out,
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	command, rest := args[0], args[1:]

	flags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	userID := flags.String("user", "", "user id")
	telegramID := flags.Int64("telegram", 0, "telegram chat id")
	amount := flags.Int64("amount", 0, "points")
	memo := flags.String("memo", "", "note stored with the transaction")
	adminName := flags.String("admin", os.Getenv("USER"), "operator name recorded with the transaction")
	limit := flags.Int("limit", config.ReportListLimit, "maximum rows")
	status := flags.String("status", string(models.ReportPending), "report status: pending, reviewed or all")
	reportID := flags.Uint("id", 0, "report id")

	if err := flags.Parse(rest); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	resolve := func() (*models.User, error) {
		return a.resolveUser(ctx, *userID, *telegramID)
	}

	switch command {
	case "add-points", "remove-points":
		if *amount <= 0 {
			return fmt.Errorf("%w: --amount must be positive", errUsage)
		}
		user, err := resolve()
		if err != nil {
			return err
		}
		entry := ledger.Entry{Memo: *memo, AdminID: adminRef(*adminName)}
		var balance int64
		if command == "add-points" {
			balance, err = a.Ledger.Credit(ctx, user.ID, *amount, models.TxDeposit, entry)
		} else {
			balance, err = a.Ledger.Debit(ctx, user.ID, *amount, entry)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "User %s balance is now %d points.\n", user.ID, balance)

	case "view-user":
		user, err := resolve()
		if err != nil {
			return err
		}
		a.printUser(user)

	case "history":
		user, err := resolve()
		if err != nil {
			return err
		}
		txs, err := a.Ledger.History(ctx, user.ID, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tTYPE\tAMOUNT\tDESCRIPTION")
		for _, tx := range txs {
			fmt.Fprintf(w, "%d\t%s\t%s\t%+d\t%s\n", tx.ID, tx.CreatedAt.Format("2006-01-02 15:04"), tx.Type, tx.Amount, tx.Description)
		}
		return w.Flush()

	case "reports":
		var filter models.ReportStatus
		if *status != "all" {
			filter = models.ReportStatus(*status)
		}
		reports, err := a.Complaints.List(ctx, filter, *limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tREPORTER\tREPORTED\tREASON\tSTATUS")
		for _, r := range reports {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.ReporterID, r.ReportedUserID, r.Reason, r.Status)
		}
		return w.Flush()

	case "review-report":
		if *reportID == 0 {
			return fmt.Errorf("%w: --id is required", errUsage)
		}
		if err := a.Complaints.Review(ctx, *reportID); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Report %d marked as reviewed.\n", *reportID)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
	return nil
}

func (a *app) resolveUser(ctx context.Context, userID string, telegramID int64) (*models.User, error) {
	switch {
	case userID != "":
		return a.Storage.GetUser(ctx, userID)
	case telegramID != 0:
		return a.Storage.GetUserByTelegramID(ctx, telegramID)
	}
	return nil, fmt.Errorf("%w: --user or --telegram is required", errUsage)
}

func (a *app) printUser(u *models.User) {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(w, "%s\t%v\n", k, v) }

	row("ID", u.ID)
	if u.TelegramID != nil {
		row("Telegram", *u.TelegramID)
	}
	row("Nickname", u.Nickname)
	row("Language", u.Language)
	row("Points", u.Points)
	row("Gender", display(string(u.Gender)))
	row("Age group", display(string(u.AgeGroup)))
	row("Profile complete", u.ProfileComplete)
	row("In pool", u.InPool)
	if b, ok := u.Binding(); ok {
		row("Partner", b.PartnerID)
		row("Initiator", b.Initiator)
	} else {
		row("Partner", "-")
	}
	row("Conversations", u.ConversationCount)
	row("Chars sent", u.TotalChars)
	row("Created", u.CreatedAt.Format("2006-01-02 15:04"))
	w.Flush()
}

func display(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func adminRef(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}
