/*
spfcheck evaluates an SPF policy for a given client IP, MAIL FROM address,
and HELO identity.

	spfcheck -ip 8.8.8.8 -from steve@aol.com

	Result: softfail
	Explanation:

Run with -trace to show the mechanisms and records visited along the way,
-dns to also show the individual DNS queries, and -mechanisms to show
every mechanism's outcome rather than just the ones on the matching path.
-zone points at a YAML zone fixture (internal/zonefixture's Suite format)
to evaluate against canned DNS data instead of the live resolver; -config
points at a YAML Config file to override the evaluator's default limits.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/logrusorgru/aurora"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/miekg/dns"

	spf "github.com/go-spf/spf4408"
	"github.com/go-spf/spf4408/internal/zonefixture"
)

func main() {
	var ip, from, helo, zonePath, zoneHost, configPath string
	var trace, showDNS, mechanisms bool
	flag.StringVar(&ip, "ip", "", "ip address from which the message is sent")
	flag.StringVar(&from, "from", "", "821.From address")
	flag.StringVar(&helo, "helo", "", "domain used in 821.HELO")
	flag.BoolVar(&trace, "trace", false, "show evaluation of record")
	flag.BoolVar(&showDNS, "dns", false, "show dns queries")
	flag.BoolVar(&mechanisms, "mechanisms", false, "show details about each mechanism")
	flag.StringVar(&zonePath, "zone", "", "evaluate against a YAML zone fixture instead of live DNS")
	flag.StringVar(&zoneHost, "zone-suite", "", "description of the zone fixture's suite to use, if it has more than one")
	flag.StringVar(&configPath, "config", "", "YAML file overriding the evaluator's default limits")
	flag.Parse()

	if ip == "" {
		log.Fatalln("-ip is required")
	}
	if from == "" {
		log.Fatalln("-from is required")
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		log.Fatalf("%q doesn't look like an ip address", ip)
	}

	var config *spf.Config
	if configPath != "" {
		var err error
		config, err = spf.LoadConfig(configPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	server, err := spf.NewServerFromConfig(config)
	if err != nil {
		log.Fatal(err)
	}

	if zonePath != "" {
		resolver, err := loadZone(zonePath, zoneHost)
		if err != nil {
			log.Fatal(err)
		}
		server.Resolver = resolver
	}

	if trace {
		au := aurora.NewAurora(isatty.IsTerminal(os.Stdout.Fd()))
		server.Hook = &Tracer{
			au:             au,
			stdout:         colorable.NewColorableStdout(),
			dns:            showDNS,
			showMechanisms: mechanisms,
			records:        map[string]recordTrace{},
		}
	}

	result := server.SPF(context.Background(), addr, from, helo)
	fmt.Printf("Result: %v\n", result)
	if err := result.Err(); err != nil {
		fmt.Printf("Error:  %v\n", err)
	}
	fmt.Printf("Explanation: %s\n", result.Explanation)
}

func loadZone(path, suiteDescription string) (zonefixture.Resolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zone fixture %s: %w", path, err)
	}
	suites, err := zonefixture.LoadSuites(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing zone fixture %s: %w", path, err)
	}
	if len(suites) == 0 {
		return nil, fmt.Errorf("zone fixture %s has no suites", path)
	}
	suite := suites[0]
	if suiteDescription != "" {
		found := false
		for _, s := range suites {
			if s.Description == suiteDescription {
				suite, found = s, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no suite named %q in %s", suiteDescription, path)
		}
	}
	return suite.Resolver()
}

type mechanismOutcome struct {
	kind      spf.ResultKind
	mechanism spf.Mechanism
}

type recordTrace struct {
	record  string
	results map[int]mechanismOutcome
}

// Tracer implements spf.Hook with aurora-colorized output, grounded on the
// teacher's own cmd/spf tracer.
type Tracer struct {
	au                  aurora.Aurora
	stdout              io.Writer
	dns                 bool
	showMechanisms      bool
	lastMechanismDomain string
	records             map[string]recordTrace
}

var _ spf.Hook = &Tracer{}

func (t *Tracer) printf(format string, a ...interface{}) {
	fmt.Fprintf(t.stdout, format, a...)
}

func (t *Tracer) resultColour(kind spf.ResultKind, msg string) aurora.Value {
	switch kind {
	case spf.Temperror, spf.Permerror:
		return t.au.BrightRed(msg)
	case spf.None, spf.Neutral:
		return t.au.Blue(msg)
	case spf.Fail, spf.Softfail:
		return t.au.Red(msg)
	case spf.Pass:
		return t.au.Green(msg)
	}
	return t.au.BrightRed(msg)
}

func (t *Tracer) resultString(kind spf.ResultKind) aurora.Value {
	return t.resultColour(kind, kind.String())
}

func (t *Tracer) Dns(r, m *dns.Msg, err error) {
	if !t.dns {
		return
	}
	t.printf("%s request for %s\n", dns.Type(r.Question[0].Qtype).String(), r.Question[0].Name)
	if err != nil {
		t.printf("%s\n", t.au.Red(err.Error()))
		return
	}
	t.printf("%s\n", t.au.Cyan(m.String()))
}

func (t *Tracer) Macro(before, after string, err error) {
	if err != nil {
		t.printf("%s %s: %s\n", t.au.BgRed("failed to expand macro"), t.au.BgBlue(before), t.au.Red(err.Error()))
		return
	}
	if before != after {
		t.printf("%s expands to %s\n", t.au.BgBlue(before), t.au.BgBlue(after))
	}
}

func (t *Tracer) Record(record, domain string, version int) {
	t.printf("%s (v%d): %s\n", domain, version, t.au.Magenta(record))
	t.lastMechanismDomain = ""
	t.records[domain] = recordTrace{record: record, results: map[int]mechanismOutcome{}}
}

func (t *Tracer) Mechanism(domain string, index int, mechanism spf.Mechanism, matched bool, err error) {
	rt := t.records[domain]
	kind := spf.None
	if matched {
		kind = mechanism.ResultOnMatch()
	}
	rt.results[index] = mechanismOutcome{kind: kind, mechanism: mechanism}

	if include, ok := mechanism.(spf.MechanismInclude); ok && matched {
		t.printf("%s included %s which matched, so the include returned %s\n", domain, include.DomainSpec.Raw(), t.resultString(kind))
	}

	if t.showMechanisms {
		if t.lastMechanismDomain != domain {
			t.printf("from %s\n", domain)
			t.lastMechanismDomain = domain
		}
		t.printf("  %2d ", index+1)
		if err != nil {
			t.printf("%s %s", mechanism.String(), t.au.Red(err.Error()))
		} else if matched {
			t.printf("%s (%s)", mechanism.String(), t.resultString(kind))
		} else {
			t.printf("%s (no match)", t.au.Blue(mechanism.String()))
		}
		t.printf("\n")
	}
}

var modifierFieldRe = regexp.MustCompile(`^((?i)[a-z][a-z0-9_.-]*)=(.*)`)

func (t *Tracer) RecordResult(domain string, result spf.Result) {
	t.printf("%s returns %s: ", domain, t.resultString(result.Kind))
	rt, ok := t.records[domain]
	if ok {
		fields := strings.Fields(rt.record)
		i := 0
		for _, field := range fields {
			if modifierFieldRe.MatchString(field) {
				t.printf("%s ", field)
				continue
			}
			outcome, ok := rt.results[i]
			if !ok {
				t.printf("%s ", t.au.Gray(15, field))
			} else {
				t.printf("%s ", t.resultColour(outcome.kind, field))
			}
			i++
		}
	}
	t.printf("\n")
}

func (t *Tracer) Redirect(target string) {
	t.printf("redirecting to %s\n", target)
}
