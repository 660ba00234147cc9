// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import "fmt"

const systemFree = `Você é um assistente útil. Responda de forma concisa em português.

IMPORTANTE: Se a mensagem sugerir conteúdo malicioso, ilegal ou antiético, responda APENAS: "[MODERACAO: PERIGOSO]"

Caso contrário, responda normalmente.`

const systemAnchoredTemplate = `Você está conversando sobre esta ideia:

Ideia: "%s"
Contexto: "%s"

IMPORTANTE: Responda APENAS perguntas relacionadas a esta ideia.
Se a mensagem NÃO estiver relacionada, responda EXATAMENTE: [MODERACAO: PERIGOSO]

Mantenha respostas concisas (máximo 100 palavras).`

const systemFallback = `Você é um assistente útil e criativo. Responda de forma concisa e em português do Brasil.`

const classification = `Você é um classificador de conteúdo. Avalie a mensagem do usuário.

Se ela sugerir conteúdo malicioso, ilegal ou antiético, responda EXATAMENTE: [MODERACAO: PERIGOSO]
Caso contrário, responda EXATAMENTE: [MODERACAO: SEGURA]

Não responda nada além do marcador.`

// SystemFree returns the system instruction for free-form conversations.
// The moderation protocol is embedded in the instruction itself.
func SystemFree() string {
	return systemFree
}

// SystemAnchored returns the system instruction for a conversation bound
// to an anchor topic. Both snapshot fields are sanitized before being
// embedded. Falls back to a generic instruction when the snapshot is
// missing.
func SystemAnchored(anchorContent, anchorContext string) string {
	if anchorContent == "" && anchorContext == "" {
		return systemFallback
	}
	return fmt.Sprintf(systemAnchoredTemplate, Sanitize(anchorContent), Sanitize(anchorContext))
}

// Classification returns the admission-time classification instruction
// used by the moderation pre-check.
func Classification() string {
	return classification
}
