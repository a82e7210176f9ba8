package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

const DefaultPath = "/etc/usbwarden/config.toml"

// Duration 支持 "30s" 这种写法
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type TypeRule struct {
	Keyword string `toml:"keyword" validate:"required"`
	Type    string `toml:"type" validate:"oneof=hid usb generic storage mass_storage"`
}

type Log struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

type Policy struct {
	DBPath string `toml:"db_path" validate:"required"`
	// Poll 运行中的守护进程多久重新读取一次名单
	Poll Duration `toml:"poll" validate:"min=0"`
}

type Enumerator struct {
	BuiltinSignatures []string   `toml:"builtin_signatures"`
	TypeRules         []TypeRule `toml:"type_rules" validate:"dive"`
}

type Eject struct {
	MaxHops             int      `toml:"max_hops" validate:"min=1,max=32"`
	Timeout             Duration `toml:"timeout" validate:"min=0"`
	Workers             int      `toml:"workers" validate:"min=1,max=64"`
	RemovalUnitPatterns []string `toml:"removal_unit_patterns" validate:"min=1,dive,required"`
}

type Platform struct {
	VolumeDriver string `toml:"volume_driver" validate:"oneof=syscall udisks2"`
}

type Reactor struct {
	Tick Duration `toml:"tick" validate:"min=1000000"`
}

type Config struct {
	Log        Log        `toml:"log"`
	Policy     Policy     `toml:"policy"`
	Enumerator Enumerator `toml:"enumerator"`
	Eject      Eject      `toml:"eject"`
	Platform   Platform   `toml:"platform"`
	Reactor    Reactor    `toml:"reactor"`
}

func Default() Config {
	return Config{
		Log:    Log{Level: "info"},
		Policy: Policy{DBPath: "/var/lib/usbwarden/policy.db", Poll: Duration(2 * time.Second)},
		Enumerator: Enumerator{
			// 主板自带的 USB 外设 (蓝牙、RGB 控制器等), 物理上不可拔
			BuiltinSignatures: []string{
				"VID_2B7E&PID_B597",
				"VID_0B05&PID_6206",
				"VID_8087&PID_0026",
			},
			TypeRules: []TypeRule{
				{Keyword: "mouse", Type: "hid"},
				{Keyword: "keyboard", Type: "hid"},
				{Keyword: "input", Type: "hid"},
				{Keyword: "hid", Type: "hid"},
			},
		},
		Eject: Eject{
			MaxHops:             8,
			Timeout:             Duration(30 * time.Second),
			Workers:             4,
			RemovalUnitPatterns: []string{`USBSTOR\`, `USB\VID_`},
		},
		Platform: Platform{VolumeDriver: "syscall"},
		Reactor:  Reactor{Tick: Duration(50 * time.Millisecond)},
	}
}

// Load 读取配置文件, 文件不存在时使用默认值
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse 在默认值之上解析 TOML
func Parse(data []byte) (Config, error) {
	def := Default()
	cfg := def
	// 列表类配置整体覆盖, 不和默认值合并
	cfg.Enumerator.BuiltinSignatures = nil
	cfg.Enumerator.TypeRules = nil
	cfg.Eject.RemovalUnitPatterns = nil
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return def, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Enumerator.BuiltinSignatures == nil {
		cfg.Enumerator.BuiltinSignatures = def.Enumerator.BuiltinSignatures
	}
	if cfg.Enumerator.TypeRules == nil {
		cfg.Enumerator.TypeRules = def.Enumerator.TypeRules
	}
	if cfg.Eject.RemovalUnitPatterns == nil {
		cfg.Eject.RemovalUnitPatterns = def.Eject.RemovalUnitPatterns
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
