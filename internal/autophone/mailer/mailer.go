// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package mailer renders and sends the single alert a worker triggers when
// it gives up on a device.
package mailer

import (
	"fmt"
	"net/smtp"

	"gopkg.in/ini.v1"
)

// Config is the parsed shape of email.ini: a mandatory [report] from
// address, and an optional [email] section naming an SMTP destination.
// When Dest is empty, Send does nothing and returns nil -- an email config
// is not required to run the coordinator.
type Config struct {
	From string

	Dest     string
	Username string
	Password string // may be the encrypted form; see passwordCipher
	Server   string
	Port     int
	SSL      bool

	// Path is the email.ini file Password was loaded from, if any. It
	// salts the password cipher's key derivation; leave empty when
	// building a Config directly rather than through LoadConfig.
	Path string
}

// LoadConfig reads an email.ini file per the external interface: [report]
// from, optional [email] dest, username, password, server (default
// mail.mozilla.com), port (default 465), ssl (default true).
func LoadConfig(path string) (Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("mailer: load %s: %w", path, err)
	}

	c := Config{
		Server: "mail.mozilla.com",
		Port:   465,
		SSL:    true,
		Path:   path,
	}
	c.From = cfg.Section("report").Key("from").String()

	email := cfg.Section("email")
	c.Dest = email.Key("dest").String()
	c.Username = email.Key("username").String()
	c.Password = email.Key("password").String()
	if v := email.Key("server").String(); v != "" {
		c.Server = v
	}
	if v := email.Key("port").MustInt(0); v != 0 {
		c.Port = v
	}
	if email.HasKey("ssl") {
		c.SSL = email.Key("ssl").MustBool(true)
	}
	return c, nil
}

// Mailer sends the one alert AutoPhone ever sends: "phone disabled".
type Mailer struct {
	cfg       Config
	encryptor *passwordCipher // nil if the password is stored in plaintext
	sendMail  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New builds a Mailer from a loaded Config. If passphrase is non-empty and
// cfg.Password looks encrypted (isEncryptedPassword), the Mailer decrypts
// it with that passphrase, salted by cfg.Path, before every send.
func New(cfg Config, passphrase string) (*Mailer, error) {
	m := &Mailer{cfg: cfg, sendMail: smtp.SendMail}
	if passphrase != "" && isEncryptedPassword(cfg.Password) {
		enc, err := newPasswordCipher(passphrase, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("mailer: build password cipher: %w", err)
		}
		m.encryptor = enc
	}
	return m, nil
}

// Send renders and delivers one plaintext email. If no destination is
// configured, Send is a no-op that returns nil: an unconfigured mailer
// must not fail the worker that calls it.
func (m *Mailer) Send(subject, body string) error {
	if m.cfg.Dest == "" {
		return nil
	}

	password := m.cfg.Password
	if m.encryptor != nil {
		decrypted, err := m.encryptor.decrypt(password)
		if err != nil {
			return fmt.Errorf("mailer: decrypt password: %w", err)
		}
		password = decrypted
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Server, m.cfg.Port)
	msg := fmt.Appendf(nil, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", m.cfg.From, m.cfg.Dest, subject, body)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, password, m.cfg.Server)
	}
	return m.sendMail(addr, auth, m.cfg.From, []string{m.cfg.Dest}, msg)
}
