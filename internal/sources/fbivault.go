package sources

import (
	"context"
	"fmt"
)

// FBIVault enumerates the FBI Vault FOIA release on Jeffrey Epstein, which
// is published as 22 numbered parts with predictable URLs.
type FBIVault struct{}

const (
	// Part pages use a space-encoded title; /at_download/file returns the
	// PDF directly.
	fbiVaultPartURL = "https://vault.fbi.gov/jeffrey-epstein/Jeffrey%%20Epstein%%20Part%%20%02d/at_download/file"

	// Part 22 carries a "(Final)" suffix in its page title.
	fbiVaultFinalURL = "https://vault.fbi.gov/jeffrey-epstein/Jeffrey%20Epstein%20Part%2022%20(Final)/at_download/file"

	fbiVaultParts = 22
)

func (*FBIVault) Name() string { return "fbi_vault" }

func (*FBIVault) Discover(ctx context.Context, env *Env, emit func(Item) error) error {
	for part := 1; part <= fbiVaultParts; part++ {
		partURL := fmt.Sprintf(fbiVaultPartURL, part)
		if part == fbiVaultParts {
			partURL = fbiVaultFinalURL
		}

		err := emit(Item{
			URL:      partURL,
			SourceID: fmt.Sprintf("part-%02d", part),
			Filename: fmt.Sprintf("jeffrey-epstein-fbi-vault-part-%02d.pdf", part),
			Title:    fmt.Sprintf("Jeffrey Epstein FBI Vault Part %d of %d", part, fbiVaultParts),
			Metadata: map[string]any{"part": part},
		})
		if err != nil {
			return err
		}
	}
	return nil
}
