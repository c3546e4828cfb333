package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iot-go-sdk/otaengine/pkg/pkgcodec"
)

var (
	pkgKey       string
	pkgCert      string
	pkgVersion   string
	pkgProductID string
	pkgDigest    string
	pkgExpect    string
	pkgL1        bool

	packageCmd = &cobra.Command{
		Use:   "package",
		Short: "Build and inspect signed update packages",
	}

	packageBuildCmd = &cobra.Command{
		Use:   "build <output> <file[:identity]>...",
		Short: "Build a signed package; the container type follows the output extension",
		Args:  cobra.MinimumNArgs(2),
		RunE:  packageBuildFunc,
	}

	packageVerifyCmd = &cobra.Command{
		Use:   "verify <package>",
		Short: "Verify the signature of a package",
		Args:  cobra.ExactArgs(1),
		RunE:  packageVerifyFunc,
	}

	packageExtractCmd = &cobra.Command{
		Use:   "extract <package> <dir>",
		Short: "Unpack the components of a package",
		Args:  cobra.ExactArgs(2),
		RunE:  packageExtractFunc,
	}

	packageInfoCmd = &cobra.Command{
		Use:   "info <package>",
		Short: "Print the header of a package",
		Args:  cobra.ExactArgs(1),
		RunE:  packageInfoFunc,
	}
)

func init() {
	packageBuildCmd.Flags().StringVar(&pkgKey, "key", "", "PEM private key used to sign")
	packageBuildCmd.Flags().StringVar(&pkgVersion, "version", "", "software version recorded in upgrade packages")
	packageBuildCmd.Flags().StringVar(&pkgProductID, "product-id", "", "product update id recorded in upgrade packages")
	packageBuildCmd.Flags().StringVar(&pkgDigest, "digest", "sha256", "package digest, sha256 or sha384")
	packageBuildCmd.Flags().BoolVar(&pkgL1, "l1", false, "leave the signature empty and print the digest to sign externally")

	packageVerifyCmd.Flags().StringVar(&pkgCert, "cert", "", "trust anchor, defaults to the configured signing certificate")
	packageVerifyCmd.Flags().StringVar(&pkgVersion, "version", "", "expected software version")
	packageVerifyCmd.Flags().StringVar(&pkgExpect, "digest", "", "expected hex digest of the whole file")

	packageCmd.AddCommand(packageBuildCmd, packageVerifyCmd, packageExtractCmd, packageInfoCmd)
}

func parseDigest(name string) (pkgcodec.DigestMethod, error) {
	switch strings.ToLower(name) {
	case "sha256":
		return pkgcodec.DigestSha256, nil
	case "sha384":
		return pkgcodec.DigestSha384, nil
	}
	return pkgcodec.DigestNone, fmt.Errorf("unknown digest %q", name)
}

func packageBuildFunc(cmd *cobra.Command, args []string) error {
	out := args[0]
	typ := pkgcodec.PkgTypeByName(out)
	if typ == pkgcodec.PkgTypeNone {
		return fmt.Errorf("cannot tell package type from %q, use .bin, .zip, .gz or .lz4", out)
	}
	digest, err := parseDigest(pkgDigest)
	if err != nil {
		return err
	}

	var comps []pkgcodec.ComponentInfo
	for i, arg := range args[1:] {
		path, identity, _ := strings.Cut(arg, ":")
		if identity == "" {
			identity = filepath.Base(path)
		}
		comps = append(comps, pkgcodec.ComponentInfo{
			Path:     path,
			Identity: identity,
			ID:       uint16(i + 1),
			Version:  pkgVersion,
		})
	}

	info := &pkgcodec.PkgInfo{
		PkgType:         typ,
		DigestMethod:    digest,
		SoftwareVersion: pkgVersion,
		ProductUpdateID: pkgProductID,
	}
	if pkgL1 {
		offset, sum, err := pkgcodec.BuildL1(info, comps, out)
		if err != nil {
			return err
		}
		cmd.Printf("digest %s\nsignature offset %d\n", sum, offset)
		return nil
	}
	if pkgKey == "" {
		return fmt.Errorf("--key is required")
	}
	if err := pkgcodec.Build(info, comps, out, pkgKey); err != nil {
		return err
	}
	cmd.Printf("built %s package %s\n", typ, out)
	return nil
}

func packageVerifyFunc(cmd *cobra.Command, args []string) error {
	trust := pkgCert
	if trust == "" {
		trust = cfg.Paths.SigningCert
	}
	var expected []byte
	if pkgExpect != "" {
		var err error
		if expected, err = hex.DecodeString(pkgExpect); err != nil {
			return fmt.Errorf("invalid digest: %w", err)
		}
	}
	err := pkgcodec.Verify(args[0], trust, pkgVersion, expected, nil)
	if err != nil {
		return fmt.Errorf("verify failed (%d): %w", pkgcodec.ResultOf(err), err)
	}
	cmd.Println("package verified")
	return nil
}

func packageExtractFunc(cmd *cobra.Command, args []string) error {
	comps, err := pkgcodec.Extract(args[0], args[1])
	if err != nil {
		return err
	}
	for _, c := range comps {
		cmd.Printf("%s\t%d\n", c.Identity, c.UnpackedSize)
	}
	return nil
}

func packageInfoFunc(cmd *cobra.Command, args []string) error {
	info, comps, err := pkgcodec.ReadInfo(args[0])
	if err != nil {
		return err
	}
	cmd.Printf("type:      %s\n", info.PkgType)
	cmd.Printf("digest:    %s\n", info.DigestMethod)
	cmd.Printf("sign:      %s\n", info.SignMethod)
	if info.PkgType == pkgcodec.PkgTypeUpgrade {
		cmd.Printf("version:   %s\n", info.SoftwareVersion)
		cmd.Printf("product:   %s\n", info.ProductUpdateID)
		cmd.Printf("built:     %s %s\n", info.Date, info.Time)
	}
	for _, c := range comps {
		cmd.Printf("  %-20s id=%d version=%s size=%d\n", c.Identity, c.ID, c.Version, c.UnpackedSize)
	}
	return nil
}
