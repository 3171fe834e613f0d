package cdp

import (
	"encoding/json"
	"fmt"
	"time"
)

// pageGuardScript 每个新文档加载前注入：隐藏自动化痕迹，显示处理中遮罩，屏蔽键盘与右键菜单。
// 页面脚本替换 DOM 时由 MutationObserver 重新挂载遮罩。
const pageGuardScript = `(() => {
  try { Object.defineProperty(navigator, 'webdriver', { get: () => undefined }); } catch (e) {}

  const OVERLAY_ID = '__captchad_overlay';
  const mount = () => {
    if (!document.body || document.getElementById(OVERLAY_ID)) return;
    const el = document.createElement('div');
    el.id = OVERLAY_ID;
    el.textContent = 'Processing…';
    el.style.cssText = [
      'position:fixed', 'inset:0', 'z-index:2147483647',
      'display:flex', 'align-items:center', 'justify-content:center',
      'background:rgba(15,23,42,.72)', 'color:#fff',
      'font:600 18px system-ui,sans-serif', 'pointer-events:all', 'user-select:none'
    ].join(';');
    document.body.appendChild(el);
  };

  const block = (ev) => { ev.preventDefault(); ev.stopImmediatePropagation(); return false; };
  ['keydown', 'keypress', 'keyup', 'contextmenu'].forEach((t) => window.addEventListener(t, block, true));

  new MutationObserver(mount).observe(document, { childList: true, subtree: true });
  if (document.readyState === 'loading') {
    document.addEventListener('DOMContentLoaded', mount);
  } else {
    mount();
  }
})();`

// widgetScript 在页面内并发执行 count 次控件调用，返回 {ready, results:[{ok, token, error}]}
func widgetScript(siteKey, action string, count int, timeout time.Duration) string {
	key, _ := json.Marshal(siteKey)
	act, _ := json.Marshal(action)
	ms := timeout.Milliseconds()
	return fmt.Sprintf(`(async () => {
  const KEY = %s, ACTION = %s, COUNT = %d, TIMEOUT = %d;
  const ready = () => window.grecaptcha && window.grecaptcha.enterprise && window.grecaptcha.enterprise.execute;
  const sleep = (ms) => new Promise((r) => setTimeout(r, ms));

  if (!ready() && !document.querySelector('script[data-captchad]')) {
    const s = document.createElement('script');
    s.src = 'https://www.google.com/recaptcha/enterprise.js?render=' + encodeURIComponent(KEY);
    s.dataset.captchad = '1';
    document.head.appendChild(s);
  }
  const deadline = Date.now() + TIMEOUT;
  while (!ready()) {
    if (Date.now() > deadline) return { ready: false, results: [] };
    await sleep(200);
  }
  await new Promise((r) => window.grecaptcha.enterprise.ready(r));

  const one = () => Promise.race([
    window.grecaptcha.enterprise.execute(KEY, { action: ACTION })
      .then((t) => (t ? { ok: true, token: t } : { ok: false, error: 'empty token' })),
    sleep(TIMEOUT).then(() => ({ ok: false, error: 'widget timeout' })),
  ]).catch((e) => ({ ok: false, error: String((e && e.message) || e) }));

  const results = await Promise.all(Array.from({ length: COUNT }, one));
  return { ready: true, results };
})()`, key, act, count, ms)
}
