package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/spf13/cobra"

	"github.com/sealmail/sealmail/internal/contacts"
	"github.com/sealmail/sealmail/internal/engine"
	"github.com/sealmail/sealmail/internal/keyring"
	"github.com/sealmail/sealmail/internal/lookup"
	"github.com/sealmail/sealmail/internal/shared"
)

func (a *App) rootCommand(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "sealmail",
		Short:         "OpenPGP key, contact and message tooling for webmail",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetContext(ctx)

	root.AddCommand(a.keysCommand())
	root.AddCommand(a.contactsCommand())
	root.AddCommand(a.encryptCommand())
	root.AddCommand(a.decryptCommand())
	return root
}

func (a *App) keysCommand() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage the account's private keys",
	}

	var makePrimary bool
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an armored private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			entry, err := a.keyring.Add(string(data), makePrimary)
			if err != nil {
				return err
			}
			if err := a.keystore.Put(cmd.Context(), entry); err != nil {
				return err
			}
			if entry.IsPrimary {
				if err := a.keystore.SetPrimary(cmd.Context(), entry.Fingerprint); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s (primary: %v)\n", entry.Longid, entry.IsPrimary)
			return nil
		},
	}
	importCmd.Flags().BoolVar(&makePrimary, "primary", false, "make this the primary key")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List account keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := a.keyring.All()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no keys imported")
				return nil
			}
			for _, e := range entries {
				marker := " "
				if e.IsPrimary {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", marker, e.Longid, e.Fingerprint)
			}
			return nil
		},
	}

	setPrimaryCmd := &cobra.Command{
		Use:   "set-primary <fingerprint-or-longid>",
		Short: "Mark a key as the account's primary key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, ok := a.keyring.Get(args[0])
			if !ok {
				return fmt.Errorf("key %s: %w", args[0], shared.ErrorNotFound)
			}
			if err := a.keyring.SetPrimary(entry.Fingerprint); err != nil {
				return err
			}
			return a.keystore.SetPrimary(cmd.Context(), entry.Fingerprint)
		},
	}

	unlockCmd := &cobra.Command{
		Use:   "unlock [fingerprint-or-longid]",
		Short: "Cache a key's passphrase in the in-memory vault",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := a.resolveKey(args)
			if err != nil {
				return err
			}
			pw, err := GetPassword(fmt.Sprintf("Passphrase for %s", entry.Longid), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return a.vault.Put(entry.Longid, pw, 0)
		},
	}

	keys.AddCommand(importCmd, listCmd, setPrimaryCmd, unlockCmd)
	return keys
}

func (a *App) resolveKey(args []string) (*keyring.PrivateKeyEntry, error) {
	if len(args) == 1 {
		entry, ok := a.keyring.Get(args[0])
		if !ok {
			return nil, fmt.Errorf("key %s: %w", args[0], shared.ErrorNotFound)
		}
		return entry, nil
	}
	return a.keyring.GetPrimary()
}

func (a *App) contactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the contact directory",
	}

	var withPgp bool
	searchCmd := &cobra.Command{
		Use:   "search <substring>",
		Short: "Search contacts by name or email prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := contacts.Query{Substring: args[0], Limit: 20}
			if withPgp {
				q.HasPgp = &withPgp
			}
			previews, err := a.contacts.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			for _, p := range previews {
				tag := ""
				if p.HasPgp {
					tag = " [pgp]"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>%s\n", p.Name, p.Email, tag)
			}
			return nil
		},
	}
	searchCmd.Flags().BoolVar(&withPgp, "pgp", false, "only contacts with a public key")

	importCmd := &cobra.Command{
		Use:   "import <pubkey-file>",
		Short: "Import a contact from an armored public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			keys, err := a.codec.ParseAll(string(data))
			if err != nil {
				return err
			}
			for _, k := range keys {
				if len(k.Emails) == 0 {
					return fmt.Errorf("key %s carries no email identity", k.Longid())
				}
				c := &contacts.Contact{Email: k.Emails[0], Pubkey: k, HasPgp: true}
				if len(k.Identities) > 0 {
					c.Name = identityName(k.Identities[0])
				}
				if err := a.contacts.Save(cmd.Context(), c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %s for %s\n", k.Longid(), c.Email)
			}
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a contact interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := GetSimpleText(a.reader, "Email", cmd.OutOrStdout())
			if err != nil {
				return err
			}
			name, err := GetSimpleText(a.reader, "Name", cmd.OutOrStdout())
			if err != nil {
				return err
			}
			c := &contacts.Contact{Email: email, Name: name}
			if err := a.contacts.Save(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", c.Email)
			return nil
		},
	}

	cmd.AddCommand(searchCmd, importCmd, addCmd)
	return cmd
}

func identityName(identity string) string {
	if i := strings.Index(identity, "<"); i > 0 {
		return strings.TrimSpace(identity[:i])
	}
	return identity
}

func (a *App) encryptCommand() *cobra.Command {
	var (
		to       []string
		sign     bool
		password string
		confirm  bool
	)

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt stdin for the given recipients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(to) == 0 {
				return fmt.Errorf("at least one --to recipient is required")
			}
			plaintext, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}

			recipients, own, err := a.resolveRecipients(cmd.Context(), to)
			if err != nil {
				return err
			}

			req := &engine.Request{
				Mode:                  engine.ModeEncrypt,
				Plaintext:             plaintext,
				Recipients:            recipients,
				OwnFingerprints:       own,
				Password:              password,
				ConfirmedDegradedDate: confirm,
			}
			if sign {
				req.Signer, err = a.unlockedSigner(cmd)
				if err != nil {
					return err
				}
			}

			msg, err := a.enc.EncryptAndFormat(cmd.Context(), req)
			if errors.Is(err, shared.ErrorDateConfirmationRequired) {
				return fmt.Errorf("%w (re-run with --confirm-degraded-date)", err)
			}
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), msg.Body)
			if msg.AttachedArmored != "" {
				fmt.Fprintln(cmd.OutOrStdout())
				fmt.Fprint(cmd.OutOrStdout(), msg.AttachedArmored)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&to, "to", nil, "recipient email (repeatable)")
	cmd.Flags().BoolVar(&sign, "sign", false, "sign with the primary key")
	cmd.Flags().StringVar(&password, "password", "", "use the password-protected relay path")
	cmd.Flags().BoolVar(&confirm, "confirm-degraded-date", false, "accept encrypting at a historical date for expired keys")
	return cmd
}

// resolveRecipients maps addresses to cached contact keys, falling back to a
// keyserver lookup for unknown addresses. Addresses without any key stay in
// the list with a nil key so the password path can take over.
func (a *App) resolveRecipients(ctx context.Context, to []string) ([]engine.Recipient, []string, error) {
	var own []string
	for _, e := range a.keyring.All() {
		own = append(own, e.Fingerprint)
	}

	recipients := make([]engine.Recipient, 0, len(to))
	for _, addr := range to {
		email, err := contacts.NormalizeEmail(addr)
		if err != nil {
			return nil, nil, fmt.Errorf("recipient %q: %w", addr, err)
		}

		r := engine.Recipient{Email: email}
		found, err := a.contacts.Get(ctx, email)
		if err == nil && len(found) == 1 && found[0] != nil && found[0].Pubkey != nil {
			r.Key = found[0].Pubkey
		} else {
			key, lerr := a.lookup.Lookup(ctx, email)
			switch {
			case lerr == nil:
				r.Key = key
				c := &contacts.Contact{Email: email, Pubkey: key, HasPgp: true}
				if serr := a.contacts.Save(ctx, c); serr != nil {
					a.log.Warn(ctx, "failed to cache looked-up key", "email", email, "error", serr)
				}
			case !errors.Is(lerr, lookup.ErrKeyNotFound):
				a.log.Warn(ctx, "key lookup failed", "email", email, "error", lerr)
			}
		}
		recipients = append(recipients, r)
	}
	return recipients, own, nil
}

// unlockedSigner returns the primary key's entity with its private material
// decrypted, prompting for the passphrase when the vault has none.
func (a *App) unlockedSigner(cmd *cobra.Command) (*openpgp.Entity, error) {
	entry, err := a.keyring.GetPrimary()
	if err != nil {
		return nil, err
	}
	k, err := a.codec.Parse(entry.PrivateArmored)
	if err != nil {
		return nil, err
	}
	entity := k.Entity()
	if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
		pw, ok := a.vault.Get(entry.Longid)
		if !ok {
			pw, err = GetPassword(fmt.Sprintf("Passphrase for %s", entry.Longid), cmd.OutOrStdout())
			if err != nil {
				return nil, err
			}
			keep := make([]byte, len(pw))
			copy(keep, pw)
			if perr := a.vault.Put(entry.Longid, keep, 0); perr != nil {
				return nil, perr
			}
		}
		if err := entity.PrivateKey.Decrypt(pw); err != nil {
			a.vault.Forget(entry.Longid)
			return nil, fmt.Errorf("%w for key %s", shared.ErrorWrongPassword, entry.Longid)
		}
		shared.WipeByteArray(pw)
	}
	return entity, nil
}

func (a *App) decryptCommand() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "decrypt [file]",
		Short: "Decrypt an armored message from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			if err := a.unlockForDecrypt(cmd); err != nil {
				return err
			}

			var opts []engine.DecryptOption
			if password != "" {
				opts = append(opts, engine.WithMessagePassword(password))
			}
			res, err := a.dec.Decrypt(cmd.Context(), &staticSource{data: data}, opts...)
			if err != nil {
				return err
			}

			cmd.Print(string(res.Plaintext))
			if res.WasSigned {
				status := "NOT verified"
				if res.SignatureValid {
					status = "verified"
				}
				signer := res.SignerEmail
				if signer == "" {
					signer = res.SignedByLongid
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "signature by %s: %s\n", signer, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "shared password for a symmetrically encrypted message")
	return cmd
}

// unlockForDecrypt pre-fills the vault for every locked account key so the
// decryption engine never has to suspend in a non-interactive CLI run.
func (a *App) unlockForDecrypt(cmd *cobra.Command) error {
	for _, entry := range a.keyring.All() {
		k, err := a.codec.Parse(entry.PrivateArmored)
		if err != nil {
			return err
		}
		entity := k.Entity()
		if entity.PrivateKey == nil || !entity.PrivateKey.Encrypted {
			continue
		}
		if _, ok := a.vault.Get(entry.Longid); ok {
			continue
		}
		pw, err := GetPassword(fmt.Sprintf("Passphrase for %s", entry.Longid), cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if err := a.vault.Put(entry.Longid, pw, 0); err != nil {
			return err
		}
	}
	return nil
}

// staticSource feeds pre-read bytes to the decryption engine; parsed and raw
// forms are the same since the CLI has no provider to re-fetch from.
type staticSource struct {
	data []byte
}

func (s *staticSource) FetchParsed(ctx context.Context) ([]byte, error) { return s.data, nil }
func (s *staticSource) FetchRaw(ctx context.Context) ([]byte, error)   { return s.data, nil }
