// Package harness builds the per-language source file a script is
// executed from (spec component C3): a small preamble exposing
// AutomnReturn/AutomnLog/AutomnNotify/AutomnRunLog, followed by the
// user's code verbatim.
package harness

import (
	"fmt"
	"regexp"

	"github.com/automn/runner/internal/marker"
	"github.com/automn/runner/internal/types"
)

// jsonDepthBound matches the preamble constant named in spec.md §4.3.
const jsonDepthBound = 32

// Build returns the harnessed source for language, given the run's ID
// and the user's code. It fails only for a language it has no harness
// for, returning an "unsupported language" error.
func Build(lang types.Language, runID, code string) (string, error) {
	switch lang {
	case types.LanguageNode:
		return buildNode(runID, code), nil
	case types.LanguagePython:
		return buildPython(runID, code), nil
	case types.LanguagePowerShell:
		return buildPowerShell(runID, code), nil
	case types.LanguageShell:
		return buildShell(runID, code), nil
	default:
		return "", fmt.Errorf("harness: unsupported language %q", lang)
	}
}

var importExportRe = regexp.MustCompile(`(?m)^\s*(import\s+[^(]|export\s+(default|const|function|class|\{))`)

// UsesESModuleSyntax reports whether code contains top-level
// import/export syntax, the signal used to pick the `.mjs` extension
// over `.cjs` for node scripts (spec.md §4.5 step 4).
func UsesESModuleSyntax(code string) bool {
	return importExportRe.MatchString(code)
}

func buildNode(runID, code string) string {
	return fmt.Sprintf(`'use strict';
const __AUTOMN_RUN_ID__ = %q;
const __AUTOMN_MARKER_RETURN__ = %q;
const __AUTOMN_MARKER_LOG__ = %q;
const __AUTOMN_MARKER_NOTIFY__ = %q;
const __AUTOMN_JSON_DEPTH__ = %d;
let __automnReturned__ = false;

function __automnStringify__(value) {
  let depth = 0;
  return JSON.stringify(value, function (key, v) {
    depth++;
    if (depth > __AUTOMN_JSON_DEPTH__ * 2) return null;
    return v;
  });
}

function AutomnReturn(data) {
  if (__automnReturned__) return;
  __automnReturned__ = true;
  process.stdout.write(__AUTOMN_MARKER_RETURN__ + __automnStringify__(data) + "\n");
}

function AutomnLog(message, level, context, type) {
  process.stdout.write(__AUTOMN_MARKER_LOG__ + __automnStringify__({
    message: message, level: level, context: context, type: type
  }) + "\n");
}

function AutomnNotify(audience, message, level) {
  process.stdout.write(__AUTOMN_MARKER_NOTIFY__ + __automnStringify__({
    audience: audience, message: message, level: level
  }) + "\n");
}

function AutomnRunLog() {
  const parts = Array.prototype.slice.call(arguments).map(function (v) {
    return typeof v === "string" ? v : __automnStringify__(v);
  });
  console.log(parts.join(" "));
}

const runId = __AUTOMN_RUN_ID__;

%s
`, runID, marker.ReturnMarker, marker.LogMarker, marker.NotifyMarker, jsonDepthBound, code)
}

func buildPython(runID, code string) string {
	return fmt.Sprintf(`# -*- coding: utf-8 -*-
import json as __automn_json__
import sys as __automn_sys__

runId = %q
__AUTOMN_MARKER_RETURN__ = %q
__AUTOMN_MARKER_LOG__ = %q
__AUTOMN_MARKER_NOTIFY__ = %q
__AUTOMN_JSON_DEPTH__ = %d
__automn_returned__ = [False]


def __automn_stringify__(value):
    try:
        return __automn_json__.dumps(value)
    except Exception:
        return __automn_json__.dumps(str(value))


def AutomnReturn(data):
    if __automn_returned__[0]:
        return
    __automn_returned__[0] = True
    __automn_sys__.stdout.write(__AUTOMN_MARKER_RETURN__ + __automn_stringify__(data) + "\n")
    __automn_sys__.stdout.flush()


def AutomnLog(message, level=None, context=None, type=None):
    __automn_sys__.stdout.write(__AUTOMN_MARKER_LOG__ + __automn_stringify__({
        "message": message, "level": level, "context": context, "type": type
    }) + "\n")
    __automn_sys__.stdout.flush()


def AutomnNotify(audience, message, level=None):
    __automn_sys__.stdout.write(__AUTOMN_MARKER_NOTIFY__ + __automn_stringify__({
        "audience": audience, "message": message, "level": level
    }) + "\n")
    __automn_sys__.stdout.flush()


def AutomnRunLog(*values):
    parts = [v if isinstance(v, str) else __automn_stringify__(v) for v in values]
    print(" ".join(parts))


%s
`, runID, marker.ReturnMarker, marker.LogMarker, marker.NotifyMarker, jsonDepthBound, code)
}

func buildPowerShell(runID, code string) string {
	return fmt.Sprintf(`$OutputEncoding = [System.Text.Encoding]::UTF8
try { [Console]::OutputEncoding = [System.Text.Encoding]::UTF8 } catch {}

$runId = %q
$AUTOMN_MARKER_RETURN = %q
$AUTOMN_MARKER_LOG = %q
$AUTOMN_MARKER_NOTIFY = %q
$script:automnReturned = $false

function ConvertTo-AutomnJson($value) {
  try { return ($value | ConvertTo-Json -Depth %d -Compress) }
  catch { return ($value.ToString() | ConvertTo-Json -Compress) }
}

function AutomnReturn($data) {
  if ($script:automnReturned) { return }
  $script:automnReturned = $true
  Write-Output ($AUTOMN_MARKER_RETURN + (ConvertTo-AutomnJson $data))
}

function AutomnLog($message, $level, $context, $type) {
  $payload = @{ message = $message; level = $level; context = $context; type = $type }
  Write-Output ($AUTOMN_MARKER_LOG + (ConvertTo-AutomnJson $payload))
}

function AutomnNotify($audience, $message, $level) {
  $payload = @{ audience = $audience; message = $message; level = $level }
  Write-Output ($AUTOMN_MARKER_NOTIFY + (ConvertTo-AutomnJson $payload))
}

function AutomnRunLog {
  param([Parameter(ValueFromRemainingArguments = $true)]$values)
  $parts = $values | ForEach-Object {
    if ($_ -is [string]) { $_ } else { ConvertTo-AutomnJson $_ }
  }
  Write-Output ($parts -join " ")
}

$automnInputRaw = $env:AUTOMN_INTERNAL_INPUT_JSON
if (-not $automnInputRaw) { $automnInputRaw = $env:AUTOMN_INPUT_JSON }
if (-not $automnInputRaw) { $automnInputRaw = $env:INPUT_JSON }
$automnInputParseError = $null
$input = $null
if ($automnInputRaw) {
  try { $input = $automnInputRaw | ConvertFrom-Json } catch { $automnInputParseError = $_.Exception.Message }
}

%s
`, runID, marker.ReturnMarker, marker.LogMarker, marker.NotifyMarker, jsonDepthBound, code)
}

// buildShell uses an embedded node one-liner to JSON-normalize the
// arguments passed to the helper functions, per spec.md §4.3's note
// that the shell harness is a concession to portable shell quoting.
func buildShell(runID, code string) string {
	return fmt.Sprintf(`#!/bin/sh
AUTOMN_RUN_ID=%q
AUTOMN_MARKER_RETURN=%q
AUTOMN_MARKER_LOG=%q
AUTOMN_MARKER_NOTIFY=%q
__automn_returned=0

__automn_json() {
  node -e 'process.stdout.write(JSON.stringify(process.argv[1]))' "$1"
}

AutomnReturn() {
  if [ "$__automn_returned" = "1" ]; then return; fi
  __automn_returned=1
  printf '%%s%%s\n' "$AUTOMN_MARKER_RETURN" "$(__automn_json "$1")"
}

AutomnLog() {
  msg=$1; level=$2; context=$3; type=$4
  payload=$(node -e 'const [m,l,c,t]=process.argv.slice(1); process.stdout.write(JSON.stringify({message:m,level:l,context:c,type:t}))' "$msg" "$level" "$context" "$type")
  printf '%%s%%s\n' "$AUTOMN_MARKER_LOG" "$payload"
}

AutomnNotify() {
  audience=$1; msg=$2; level=$3
  payload=$(node -e 'const [a,m,l]=process.argv.slice(1); process.stdout.write(JSON.stringify({audience:a,message:m,level:l}))' "$audience" "$msg" "$level")
  printf '%%s%%s\n' "$AUTOMN_MARKER_NOTIFY" "$payload"
}

AutomnRunLog() {
  echo "$@"
}

runId="$AUTOMN_RUN_ID"

%s
`, runID, marker.ReturnMarker, marker.LogMarker, marker.NotifyMarker, code)
}
