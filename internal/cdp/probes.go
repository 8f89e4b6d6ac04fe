package cdp

// Probe expressions evaluated in the assistant's renderer. The assistant
// exposes a control surface on window.__assistantControl; its exact harvesting
// of DOM and app state is an adapter-internal concern and may change with the
// assistant's renderer. Each probe returns a JSON string.
const (
	probeListSessions = `(() => {
  const c = window.__assistantControl;
  if (!c) return JSON.stringify([]);
  return JSON.stringify(c.listSessions());
})()`

	probeTranscript = `((id) => {
  const c = window.__assistantControl;
  if (!c) return JSON.stringify([]);
  return JSON.stringify(c.getTranscript(id));
})(%s)`

	probeStartSession = `((cwd, message, opts) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  return JSON.stringify({ id: c.startSession(cwd, message, opts) });
})(%s, %s, %s)`

	probeArchiveSession = `((id) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  c.archiveSession(id);
  return JSON.stringify({ ok: true });
})(%s)`

	probeSwitchSession = `((id) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  c.switchSession(id);
  return JSON.stringify({ ok: true });
})(%s)`

	probeSendText = `((id, text) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  c.typeAndSubmit(id, text);
  return JSON.stringify({ ok: true });
})(%s, %s)`

	probeFocusComposer = `((id) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  c.focusComposer(id);
  return JSON.stringify({ ok: true });
})(%s)`

	probePendingPermissions = `(() => {
  const c = window.__assistantControl;
  if (!c) return JSON.stringify([]);
  return JSON.stringify(c.pendingPermissions());
})()`

	probePendingQuestions = `(() => {
  const c = window.__assistantControl;
  if (!c) return JSON.stringify([]);
  return JSON.stringify(c.pendingQuestions());
})()`

	probeRespondPermission = `((id, decision, override) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  c.respondPermission(id, decision, override);
  return JSON.stringify({ ok: true });
})(%s, %s, %s)`

	probeRespondQuestion = `((id, answers) => {
  const c = window.__assistantControl;
  if (!c) throw new Error('control surface unavailable');
  c.respondQuestion(id, answers);
  return JSON.stringify({ ok: true });
})(%s, %s)`

	probeWriteClipboard = `((text) => {
  return navigator.clipboard.writeText(text).then(() => JSON.stringify({ ok: true }));
})(%s)`
)
