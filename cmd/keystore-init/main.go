package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atlasvault/gotrader/pkg/secretstore"
)

// 一次性工具：把签名者私钥或助记词写入加密的 secretstore。
// 加密密钥从 TRADER_STORE_KEY 读取（32 字节，hex 或 base64）。
func main() {
	var (
		storePath = flag.String("store", getenv("TRADER_STORE_PATH", "data/secrets"), "secretstore 数据目录")
		mnemonic  = flag.Bool("mnemonic", false, "写入助记词而不是私钥")
		force     = flag.Bool("force", false, "已有值时覆盖")
	)
	flag.Parse()

	rawKey := strings.TrimSpace(os.Getenv("TRADER_STORE_KEY"))
	if rawKey == "" {
		fatal(errors.New("TRADER_STORE_KEY is required (32 bytes, hex or base64)"))
	}
	encKey, err := secretstore.ParseKey(rawKey)
	if err != nil {
		fatal(err)
	}

	if err := os.MkdirAll(filepath.Dir(*storePath), 0o755); err != nil {
		fatal(fmt.Errorf("mkdir: %w", err))
	}
	store, err := secretstore.Open(secretstore.OpenOptions{
		Path:          *storePath,
		EncryptionKey: encKey,
	})
	if err != nil {
		fatal(fmt.Errorf("open secretstore: %w", err))
	}
	defer store.Close()

	key := secretstore.KeySignerPrivateKey
	prompt := "请输入签名者私钥（hex，可带 0x 前缀）："
	if *mnemonic {
		key = secretstore.KeySignerMnemonic
		prompt = "请输入助记词（12/15/18/21/24 个单词）："
	}

	if _, found, err := store.GetString(key); err != nil {
		fatal(err)
	} else if found && !*force {
		fatal(fmt.Errorf("%s 已存在（使用 -force 覆盖）", key))
	}

	fmt.Fprintln(os.Stderr, prompt)
	value := strings.TrimSpace(readLine())
	if value == "" {
		fatal(errors.New("输入为空"))
	}
	if !*mnemonic {
		value = strings.TrimPrefix(value, "0x")
	}

	if err := store.SetString(key, value); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "已写入 %s → %s\n", key, *storePath)
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func readLine() string {
	br := bufio.NewReader(os.Stdin)
	s, _ := br.ReadString('\n')
	return strings.TrimSpace(s)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err.Error())
	os.Exit(1)
}
