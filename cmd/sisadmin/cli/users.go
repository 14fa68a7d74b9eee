package cli

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/users"
)

// UserCreator is the slice of the user admin service the CLI needs.
type UserCreator interface {
	CreateUser(ctx context.Context, actor security.Actor, in users.CreateInput) (int64, error)
}

// CreateUser parses `create-user` flags and creates the account. It is the
// bootstrap path for the first master account.
func CreateUser(ctx context.Context, svc UserCreator, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	fs.SetOutput(out)
	var in users.CreateInput
	fs.StringVar(&in.Email, "email", "", "account email")
	fs.StringVar(&in.Name, "name", "", "display name")
	fs.StringVar(&in.Password, "password", "", "initial password")
	fs.StringVar(&in.Level, "level", string(rbac.LevelMaster), "access level")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := svc.CreateUser(ctx, security.Actor{UserAgent: "sisadmin-cli", Level: rbac.LevelMaster}, in)
	if err != nil {
		return fmt.Errorf("create-user: %w", err)
	}
	fmt.Fprintf(out, "created user %d (%s)\n", id, in.Email)
	return nil
}
